package mesh

import (
	"errors"
	"fmt"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"
)

// ErrDecrypt marks a packet whose encrypted payload could not be recovered
// with the configured channel key. Per protocol convention these are dropped
// silently: other gateways publish packets for channels we do not hold keys
// for, so this is routine, not a fault.
var ErrDecrypt = errors.New("mesh: cannot decrypt packet")

// Codec decodes raw ServiceEnvelope payloads from MQTT into Packet values.
type Codec struct {
	key []byte
}

func NewCodec(channelKey string) (*Codec, error) {
	key, err := ChannelKey(channelKey)
	if err != nil {
		return nil, err
	}
	return &Codec{key: key}, nil
}

// Packet is a decoded MeshPacket plus the transport metadata the processor
// needs: topic-derived channel and gateway, radio stats and hop counts.
type Packet struct {
	Topic       string
	ChannelName string // from the topic path; "" when absent
	GatewayID   uint32
	HasGateway  bool

	From     uint32
	To       uint32
	ID       uint32
	Channel  uint32
	RxTime   uint32
	RxSNR    float64
	RxRSSI   int32
	HopLimit uint32
	HopStart uint32

	PortNum  int32
	PortName string
	Payload  Payload

	Raw []byte // original envelope bytes as received
}

// Direct reports whether the packet reached the publishing gateway without
// consuming a relay hop.
func (p *Packet) Direct() bool {
	return p.HopStart != 0 && p.HopStart == p.HopLimit
}

// Payload is the tagged union of per-portnum decoded payloads.
type Payload interface{ payloadKind() string }

type PositionPayload struct {
	HasFix bool
	Lat    float64
	Lon    float64
	Alt    int32
	Time   uint32
}

type UserPayload struct {
	UserID    string
	LongName  string
	ShortName string
	HwModel   string
	Role      string
}

type DeviceMetrics struct {
	BatteryLevel       *uint32
	Voltage            *float64
	ChannelUtilization *float64
	AirUtilTx          *float64
	UptimeSeconds      *uint32
}

type PowerMetrics struct {
	Ch1Voltage *float64
	Ch1Current *float64
	Ch2Voltage *float64
	Ch2Current *float64
	Ch3Voltage *float64
	Ch3Current *float64
}

type TelemetryPayload struct {
	Time   uint32
	Device *DeviceMetrics
	Power  *PowerMetrics
}

type MapReportPayload struct {
	LongName          string
	ShortName         string
	HwModel           string
	Role              string
	FirmwareVersion   string
	Region            string
	ModemPreset       int32
	HasDefaultChannel bool
}

type NeighborInfoPayload struct {
	NodeID        uint32
	NeighborCount int
}

type AdminPayload struct{}

// UnknownPayload carries the portnum of a message kind we do not decode.
type UnknownPayload struct{}

func (PositionPayload) payloadKind() string     { return "position" }
func (UserPayload) payloadKind() string         { return "user" }
func (TelemetryPayload) payloadKind() string    { return "telemetry" }
func (MapReportPayload) payloadKind() string    { return "map_report" }
func (NeighborInfoPayload) payloadKind() string { return "neighbor_info" }
func (AdminPayload) payloadKind() string        { return "admin" }
func (UnknownPayload) payloadKind() string      { return "unknown" }

// Decode parses a ServiceEnvelope from an MQTT message, decrypting the inner
// MeshPacket when necessary, and demuxes the Data payload by portnum.
// A nil error with a nil Payload never happens; undecodable-but-valid
// portnums yield UnknownPayload.
func (c *Codec) Decode(topic string, payload []byte) (*Packet, error) {
	var env meshtastic.ServiceEnvelope
	if err := proto.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("parsing service envelope: %w", err)
	}
	mp := env.GetPacket()
	if mp == nil {
		return nil, fmt.Errorf("service envelope has no packet")
	}

	data := mp.GetDecoded()
	if data == nil {
		enc := mp.GetEncrypted()
		if len(enc) == 0 {
			return nil, fmt.Errorf("packet has neither decoded nor encrypted payload")
		}
		plain, err := decryptPayload(c.key, mp.GetId(), mp.GetFrom(), enc)
		if err != nil {
			return nil, err
		}
		data = &meshtastic.Data{}
		if err := proto.Unmarshal(plain, data); err != nil {
			// Wrong key or garbage: drop silently per the crypto contract.
			return nil, ErrDecrypt
		}
	}

	ti := ParseTopic(topic)
	pkt := &Packet{
		Topic:       topic,
		ChannelName: ti.ChannelName,
		GatewayID:   ti.GatewayID,
		HasGateway:  ti.HasGateway,
		From:        mp.GetFrom(),
		To:          mp.GetTo(),
		ID:          mp.GetId(),
		Channel:     mp.GetChannel(),
		RxTime:      mp.GetRxTime(),
		RxSNR:       float64(mp.GetRxSnr()),
		RxRSSI:      mp.GetRxRssi(),
		HopLimit:    mp.GetHopLimit(),
		HopStart:    mp.GetHopStart(),
		PortNum:     int32(data.GetPortnum()),
		PortName:    data.GetPortnum().String(),
		Raw:         payload,
	}

	pl, err := decodePortPayload(data.GetPortnum(), data.GetPayload())
	if err != nil {
		return nil, fmt.Errorf("parsing %s payload: %w", pkt.PortName, err)
	}
	pkt.Payload = pl
	return pkt, nil
}

func decodePortPayload(port meshtastic.PortNum, raw []byte) (Payload, error) {
	switch port {
	case meshtastic.PortNum_POSITION_APP:
		var pos meshtastic.Position
		if err := proto.Unmarshal(raw, &pos); err != nil {
			return nil, err
		}
		p := PositionPayload{Alt: pos.GetAltitude(), Time: pos.GetTime()}
		if pos.LatitudeI != nil && pos.LongitudeI != nil {
			p.HasFix = true
			p.Lat = float64(pos.GetLatitudeI()) / 1e7
			p.Lon = float64(pos.GetLongitudeI()) / 1e7
		}
		return p, nil

	case meshtastic.PortNum_NODEINFO_APP:
		var user meshtastic.User
		if err := proto.Unmarshal(raw, &user); err != nil {
			return nil, err
		}
		return UserPayload{
			UserID:    user.GetId(),
			LongName:  user.GetLongName(),
			ShortName: user.GetShortName(),
			HwModel:   user.GetHwModel().String(),
			Role:      user.GetRole().String(),
		}, nil

	case meshtastic.PortNum_TELEMETRY_APP:
		var tel meshtastic.Telemetry
		if err := proto.Unmarshal(raw, &tel); err != nil {
			return nil, err
		}
		p := TelemetryPayload{Time: tel.GetTime()}
		if dm := tel.GetDeviceMetrics(); dm != nil {
			p.Device = &DeviceMetrics{
				BatteryLevel:       dm.BatteryLevel,
				Voltage:            f32ptr(dm.Voltage),
				ChannelUtilization: f32ptr(dm.ChannelUtilization),
				AirUtilTx:          f32ptr(dm.AirUtilTx),
				UptimeSeconds:      dm.UptimeSeconds,
			}
		}
		if pm := tel.GetPowerMetrics(); pm != nil {
			p.Power = &PowerMetrics{
				Ch1Voltage: f32ptr(pm.Ch1Voltage),
				Ch1Current: f32ptr(pm.Ch1Current),
				Ch2Voltage: f32ptr(pm.Ch2Voltage),
				Ch2Current: f32ptr(pm.Ch2Current),
				Ch3Voltage: f32ptr(pm.Ch3Voltage),
				Ch3Current: f32ptr(pm.Ch3Current),
			}
		}
		return p, nil

	case meshtastic.PortNum_MAP_REPORT_APP:
		var mr meshtastic.MapReport
		if err := proto.Unmarshal(raw, &mr); err != nil {
			return nil, err
		}
		return MapReportPayload{
			LongName:          mr.GetLongName(),
			ShortName:         mr.GetShortName(),
			HwModel:           mr.GetHwModel().String(),
			Role:              mr.GetRole().String(),
			FirmwareVersion:   mr.GetFirmwareVersion(),
			Region:            mr.GetRegion().String(),
			ModemPreset:       int32(mr.GetModemPreset()),
			HasDefaultChannel: mr.GetHasDefaultChannel(),
		}, nil

	case meshtastic.PortNum_NEIGHBORINFO_APP:
		var ni meshtastic.NeighborInfo
		if err := proto.Unmarshal(raw, &ni); err != nil {
			return nil, err
		}
		return NeighborInfoPayload{
			NodeID:        ni.GetNodeId(),
			NeighborCount: len(ni.GetNeighbors()),
		}, nil

	case meshtastic.PortNum_ADMIN_APP:
		// Admin payloads are accepted for archival and liveness only.
		return AdminPayload{}, nil

	default:
		return UnknownPayload{}, nil
	}
}

func f32ptr(v *float32) *float64 {
	if v == nil {
		return nil
	}
	f := float64(*v)
	return &f
}

// modemPresetNames maps Config.LoRaConfig.ModemPreset values to the canonical
// display names used across the Meshtastic ecosystem.
var modemPresetNames = map[int32]string{
	0: "LongFast",
	1: "LongSlow",
	2: "VeryLongSlow",
	3: "MediumSlow",
	4: "MediumFast",
	5: "ShortSlow",
	6: "ShortFast",
	7: "LongModerate",
	8: "ShortTurbo",
}

// ModemPresetName returns the canonical preset name for a numeric modem
// preset, or "Preset<n>" for values outside the known table.
func ModemPresetName(v int32) string {
	if name, ok := modemPresetNames[v]; ok {
		return name
	}
	return fmt.Sprintf("Preset%d", v)
}
