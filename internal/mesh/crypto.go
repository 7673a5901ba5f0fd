package mesh

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
)

// defaultChannelKey is the well-known Meshtastic primary channel key that the
// shorthand "AQ==" expands to.
const defaultChannelKey = "1PG7OiApB1nwvP+rz05pAQ=="

// ChannelKey decodes a configured channel key into raw AES key bytes.
// URL-safe base64 characters are tolerated and missing padding is added.
func ChannelKey(encoded string) ([]byte, error) {
	s := strings.TrimSpace(encoded)
	if s == "" || s == "AQ==" {
		s = defaultChannelKey
	}
	s = strings.ReplaceAll(s, "-", "+")
	s = strings.ReplaceAll(s, "_", "/")
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding channel key: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("channel key must be 16, 24 or 32 bytes, got %d", len(key))
	}
}

// decryptPayload runs AES-CTR over an encrypted MeshPacket payload. The nonce
// is the little-endian packet ID followed by the little-endian sender node ID,
// each widened to 8 bytes. CTR mode is symmetric so this both encrypts and
// decrypts.
func decryptPayload(key []byte, packetID, from uint32, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	nonce := make([]byte, 16)
	binary.LittleEndian.PutUint64(nonce[0:8], uint64(packetID))
	binary.LittleEndian.PutUint64(nonce[8:16], uint64(from))

	out := make([]byte, len(data))
	cipher.NewCTR(block, nonce).XORKeyStream(out, data)
	return out, nil
}
