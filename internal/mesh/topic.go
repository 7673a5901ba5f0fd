package mesh

import (
	"strconv"
	"strings"
)

// TopicInfo holds the fields recoverable from a Meshtastic MQTT topic path,
// e.g. msh/US/bayarea/2/e/MediumFast/!4049c6f4/json. Both fields are
// optional; absence is not an error.
type TopicInfo struct {
	ChannelName string
	GatewayID   uint32
	HasGateway  bool
}

// ParseTopic extracts the channel name (the segment immediately after the
// literal "e", provided it is not a node ID) and the first-hop gateway node
// ID (the first "!<8 hex>" segment) from an MQTT topic path.
func ParseTopic(topic string) TopicInfo {
	var info TopicInfo
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		if info.ChannelName == "" && p == "e" && i+1 < len(parts) {
			if next := parts[i+1]; next != "" && !strings.HasPrefix(next, "!") {
				info.ChannelName = next
			}
		}
		if !info.HasGateway && strings.HasPrefix(p, "!") {
			hex := p[1:]
			if len(hex) == 8 {
				if id, err := strconv.ParseUint(hex, 16, 32); err == nil {
					info.GatewayID = uint32(id)
					info.HasGateway = true
				}
			}
		}
	}
	return info
}
