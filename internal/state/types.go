package state

import "fmt"

// NodeID is the 32-bit Meshtastic node identifier.
type NodeID uint32

// Hex renders the ID the way it appears in MQTT topics and node lists.
func (n NodeID) Hex() string {
	return fmt.Sprintf("!%08x", uint32(n))
}

// Confidence values for gateway edges. A packet received with
// hop_start == hop_limit reached the gateway without any relay.
const (
	ConfidenceDirect  = "direct"
	ConfidencePartial = "partial"
)

// NodeRecord is the live record for one observed node. Pointer fields are
// absent until first observed; lat and lon are always set together.
type NodeRecord struct {
	LongName        string `json:"long_name,omitempty"`
	ShortName       string `json:"short_name,omitempty"`
	HwModel         string `json:"hw_model,omitempty"`
	Role            string `json:"role,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	Region          string `json:"region,omitempty"`

	Lat                *float64 `json:"lat,omitempty"`
	Lon                *float64 `json:"lon,omitempty"`
	Alt                *int32   `json:"alt,omitempty"`
	LastPositionUpdate *float64 `json:"last_position_update,omitempty"`

	Channel     *uint32  `json:"channel,omitempty"`
	ChannelName string   `json:"channel_name,omitempty"`
	ModemPreset string   `json:"modem_preset,omitempty"`
	RxRSSI      *int32   `json:"rx_rssi,omitempty"`
	RxSNR       *float64 `json:"rx_snr,omitempty"`

	Battery      *int               `json:"battery,omitempty"`
	Voltage      *float64           `json:"voltage,omitempty"`
	PowerCurrent *float64           `json:"power_current,omitempty"`
	Telemetry    *TelemetrySnapshot `json:"telemetry,omitempty"`

	OriginLat           *float64 `json:"origin_lat,omitempty"`
	OriginLon           *float64 `json:"origin_lon,omitempty"`
	DistanceFromOriginM *float64 `json:"distance_from_origin_m,omitempty"`
	MovedFar            bool     `json:"moved_far,omitempty"`

	LastSeen float64 `json:"last_seen,omitempty"`

	Label          string `json:"label,omitempty"`
	IsSpecial      bool   `json:"is_special,omitempty"`
	IsGateway      bool   `json:"is_gateway,omitempty"`
	HasPowerSensor bool   `json:"has_power_sensor,omitempty"`
}

// HasFix reports whether the record carries a real position.
func (r *NodeRecord) HasFix() bool {
	return r.Lat != nil && r.Lon != nil
}

// TelemetrySnapshot is the merged telemetry blob. Packets carry different
// metric subsets, so merges are per-field and never drop known values.
type TelemetrySnapshot struct {
	DeviceMetrics *DeviceMetricsSnapshot `json:"device_metrics,omitempty"`
	PowerMetrics  *PowerMetricsSnapshot  `json:"power_metrics,omitempty"`
}

type DeviceMetricsSnapshot struct {
	BatteryLevel       *uint32  `json:"battery_level,omitempty"`
	Voltage            *float64 `json:"voltage,omitempty"`
	ChannelUtilization *float64 `json:"channel_utilization,omitempty"`
	AirUtilTx          *float64 `json:"air_util_tx,omitempty"`
	UptimeSeconds      *uint32  `json:"uptime_seconds,omitempty"`
}

type PowerMetricsSnapshot struct {
	Ch1Voltage *float64 `json:"ch1_voltage,omitempty"`
	Ch1Current *float64 `json:"ch1_current,omitempty"`
	Ch2Voltage *float64 `json:"ch2_voltage,omitempty"`
	Ch2Current *float64 `json:"ch2_current,omitempty"`
	Ch3Voltage *float64 `json:"ch3_voltage,omitempty"`
	Ch3Current *float64 `json:"ch3_current,omitempty"`
}

// merge overlays non-nil fields of other onto the snapshot.
func (t *TelemetrySnapshot) merge(other *TelemetrySnapshot) {
	if other == nil {
		return
	}
	if other.DeviceMetrics != nil {
		if t.DeviceMetrics == nil {
			t.DeviceMetrics = &DeviceMetricsSnapshot{}
		}
		d, o := t.DeviceMetrics, other.DeviceMetrics
		if o.BatteryLevel != nil {
			d.BatteryLevel = o.BatteryLevel
		}
		if o.Voltage != nil {
			d.Voltage = o.Voltage
		}
		if o.ChannelUtilization != nil {
			d.ChannelUtilization = o.ChannelUtilization
		}
		if o.AirUtilTx != nil {
			d.AirUtilTx = o.AirUtilTx
		}
		if o.UptimeSeconds != nil {
			d.UptimeSeconds = o.UptimeSeconds
		}
	}
	if other.PowerMetrics != nil {
		if t.PowerMetrics == nil {
			t.PowerMetrics = &PowerMetricsSnapshot{}
		}
		p, o := t.PowerMetrics, other.PowerMetrics
		if o.Ch1Voltage != nil {
			p.Ch1Voltage = o.Ch1Voltage
		}
		if o.Ch1Current != nil {
			p.Ch1Current = o.Ch1Current
		}
		if o.Ch2Voltage != nil {
			p.Ch2Voltage = o.Ch2Voltage
		}
		if o.Ch2Current != nil {
			p.Ch2Current = o.Ch2Current
		}
		if o.Ch3Voltage != nil {
			p.Ch3Voltage = o.Ch3Voltage
		}
		if o.Ch3Current != nil {
			p.Ch3Current = o.Ch3Current
		}
	}
}

// clone deep-copies the blob so a copied-out record cannot observe later
// merges; merge mutates the metric sub-structs in place.
func (t *TelemetrySnapshot) clone() *TelemetrySnapshot {
	if t == nil {
		return nil
	}
	cp := &TelemetrySnapshot{}
	if t.DeviceMetrics != nil {
		d := *t.DeviceMetrics
		cp.DeviceMetrics = &d
	}
	if t.PowerMetrics != nil {
		p := *t.PowerMetrics
		cp.PowerMetrics = &p
	}
	return cp
}

// clone returns a record safe to hand out after the store lock is released.
// Scalar pointer fields are replaced wholesale on patch, never written
// through, so only the telemetry blob needs a deep copy.
func (r *NodeRecord) clone() NodeRecord {
	cp := *r
	cp.Telemetry = r.Telemetry.clone()
	return cp
}

// HistoryPoint is one sample in a special node's time series. Points are
// only appended with a real position. RxTime carries the device timestamp
// used for dedup so the set survives a restart.
type HistoryPoint struct {
	TS      float64  `json:"ts"`
	Lat     float64  `json:"lat"`
	Lon     float64  `json:"lon"`
	Alt     *int32   `json:"alt,omitempty"`
	Battery *int     `json:"battery,omitempty"`
	RSSI    *int32   `json:"rssi,omitempty"`
	SNR     *float64 `json:"snr,omitempty"`
	RxTime  uint32   `json:"rx_time,omitempty"`
}

// PacketArchiveEntry is the archived form of one packet from a special node.
type PacketArchiveEntry struct {
	Timestamp   float64 `json:"timestamp"`
	PacketType  string  `json:"packet_type"`
	ID          uint32  `json:"id,omitempty"`
	Channel     uint32  `json:"channel"`
	ChannelName string  `json:"channel_name,omitempty"`
	PortnumName string  `json:"portnum_name"`
	HopStart    *uint32 `json:"hop_start,omitempty"`
	HopLimit    *uint32 `json:"hop_limit,omitempty"`
	RxRSSI      int32   `json:"rx_rssi"`
	RxSNR       float64 `json:"rx_snr"`
	MQTTTopic   string  `json:"mqtt_topic,omitempty"`
	GatewayID   string  `json:"gateway_id,omitempty"`

	// Type-specific fields, present depending on packet_type.
	Role               string   `json:"role,omitempty"`
	HwModel            string   `json:"hw_model,omitempty"`
	LongName           string   `json:"long_name,omitempty"`
	ShortName          string   `json:"short_name,omitempty"`
	Lat                *float64 `json:"lat,omitempty"`
	Lon                *float64 `json:"lon,omitempty"`
	Altitude           *int32   `json:"altitude,omitempty"`
	BatteryLevel       *uint32  `json:"battery_level,omitempty"`
	Voltage            *float64 `json:"voltage,omitempty"`
	ChannelUtilization *float64 `json:"channel_utilization,omitempty"`
	AirUtilTx          *float64 `json:"air_util_tx,omitempty"`
	PowerVoltage       *float64 `json:"power_voltage,omitempty"`
	PowerCurrent       *float64 `json:"power_current,omitempty"`
	ModemPreset        string   `json:"modem_preset,omitempty"`
	Region             string   `json:"region,omitempty"`
	FirmwareVersion    string   `json:"firmware_version,omitempty"`

	// Raw envelope bytes, optionally zstd-compressed, kept only when the
	// ingest.store_raw_bytes feature is on.
	RawPayload    []byte `json:"raw_payload,omitempty"`
	RawCompressed bool   `json:"raw_compressed,omitempty"`
}

// GatewayEdge records the latest observation of a special node's packet by a
// particular gateway.
type GatewayEdge struct {
	Name       string   `json:"name,omitempty"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
	RSSI       int32    `json:"rssi"`
	SNR        float64  `json:"snr"`
	LastSeen   float64  `json:"last_seen"`
	Confidence string   `json:"confidence"`
	HopStart   uint32   `json:"hop_start"`
	HopLimit   uint32   `json:"hop_limit"`
}

// GatewayReliability is the derived per-gateway quality cache, rebuilt from
// current edges whenever an edge changes.
type GatewayReliability struct {
	Score           int     `json:"score"`
	DetectionCount  int     `json:"detection_count"`
	AvgRSSI         float64 `json:"avg_rssi"`
	ConfidenceLevel string  `json:"confidence_level"`
	LastUpdated     float64 `json:"last_updated"`
}

// BestGateway identifies the strongest receiver for a special node, with
// direct confidence preferred over partial.
type BestGateway struct {
	GatewayID  NodeID  `json:"gateway_id"`
	Name       string  `json:"name,omitempty"`
	RSSI       int32   `json:"rssi"`
	SNR        float64 `json:"snr"`
	Confidence string  `json:"confidence"`
	LastSeen   float64 `json:"last_seen"`
}

// SpecialNodeConfig is the per-node configuration seeded at startup.
type SpecialNodeConfig struct {
	Label          string
	HomeLat        *float64
	HomeLon        *float64
	HasPowerSensor bool
}
