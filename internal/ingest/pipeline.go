// Package ingest owns the single processor goroutine: it decodes raw MQTT
// payloads, applies per-port handlers to the state store, infers gateway
// edges, and triggers alerts and persistence.
package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/buoy-tracker/mesh-ingester/internal/mesh"
	"github.com/buoy-tracker/mesh-ingester/internal/metrics"
	"github.com/buoy-tracker/mesh-ingester/internal/state"
)

// Alert kinds raised by the processor.
const (
	AlertMovement = "movement"
	AlertBattery  = "battery"
)

// Alerter receives threshold crossings; cooldown and transport live behind it.
type Alerter interface {
	Notify(kind string, id state.NodeID, rec state.NodeRecord, value float64)
}

// Saver receives coalesced snapshot requests.
type Saver interface {
	RequestSave(force bool)
}

// Message is one raw MQTT delivery awaiting decode.
type Message struct {
	Topic   string
	Payload []byte
}

// Config tunes the processor.
type Config struct {
	MovementThresholdM float64
	LowBatteryPercent  int
	PowerAlertVoltage  float64 // power-sensor nodes alert on raw voltage
	StoreRawBytes      bool
	CompressRaw        bool
	QueueSize          int
	RecentBufferSize   int
}

// RecentMessage is one entry in the debug ring of recently processed packets.
type RecentMessage struct {
	TS      float64 `json:"ts"`
	From    string  `json:"from"`
	Port    string  `json:"port"`
	Gateway string  `json:"gateway,omitempty"`
	Special bool    `json:"special,omitempty"`
}

// Processor is the single write-owner of the state store.
type Processor struct {
	cfg    Config
	codec  *mesh.Codec
	store  *state.Store
	alerts Alerter
	saver  Saver
	logger *zap.Logger
	now    func() time.Time

	msgs chan Message
	enc  *zstd.Encoder

	// written only by the processor goroutine, read by the status endpoint
	recentMu sync.Mutex
	recent   []RecentMessage
	recentAt int

	packetsReceived atomic.Uint64
	lastPacketUnix  atomic.Int64
}

func NewProcessor(cfg Config, codec *mesh.Codec, store *state.Store, alerts Alerter, saver Saver, logger *zap.Logger) *Processor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.PowerAlertVoltage <= 0 {
		cfg.PowerAlertVoltage = 3.5
	}
	if cfg.RecentBufferSize <= 0 {
		cfg.RecentBufferSize = 50
	}
	p := &Processor{
		cfg:    cfg,
		codec:  codec,
		store:  store,
		alerts: alerts,
		saver:  saver,
		logger: logger,
		now:    time.Now,
		msgs:   make(chan Message, cfg.QueueSize),
		recent: make([]RecentMessage, 0, cfg.RecentBufferSize),
	}
	if cfg.StoreRawBytes && cfg.CompressRaw {
		// EncoderConcurrency(1): EncodeAll is only called from the processor.
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err == nil {
			p.enc = enc
		} else {
			logger.Warn("zstd encoder init failed, storing raw bytes uncompressed", zap.Error(err))
		}
	}
	return p
}

// Enqueue hands a raw message to the processor without blocking the caller.
// The MQTT network loop calls this; on overflow the message is dropped and
// counted.
func (p *Processor) Enqueue(topic string, payload []byte) {
	// payload is owned by the MQTT client after the handler returns
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case p.msgs <- Message{Topic: topic, Payload: cp}:
	default:
		metrics.QueueDropsTotal.Inc()
		p.logger.Warn("processor queue full, dropping message", zap.String("topic", topic))
	}
}

// PacketsReceived reports how many packets decoded successfully.
func (p *Processor) PacketsReceived() uint64 { return p.packetsReceived.Load() }

// LastPacketTime is the wall-clock time of the last decoded packet, zero if
// none yet.
func (p *Processor) LastPacketTime() time.Time {
	n := p.lastPacketUnix.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Run drains the queue until ctx is cancelled, then keeps draining whatever
// is already buffered so shutdown does not lose accepted messages.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case msg := <-p.msgs:
					p.handle(msg)
				default:
					return
				}
			}
		case msg := <-p.msgs:
			p.handle(msg)
		}
	}
}

func (p *Processor) handle(msg Message) {
	start := p.now()
	pkt, err := p.codec.Decode(msg.Topic, msg.Payload)
	if err != nil {
		if errors.Is(err, mesh.ErrDecrypt) {
			// Foreign-channel traffic: routine, log at debug only.
			metrics.DecodeErrorsTotal.WithLabelValues("decrypt").Inc()
			p.logger.Debug("dropping undecryptable packet", zap.String("topic", msg.Topic))
		} else {
			metrics.DecodeErrorsTotal.WithLabelValues("decode").Inc()
			p.logger.Warn("dropping undecodable packet", zap.String("topic", msg.Topic), zap.Error(err))
		}
		return
	}
	p.process(pkt)
	metrics.ProcessDuration.Observe(p.now().Sub(start).Seconds())
}

func (p *Processor) process(pkt *mesh.Packet) {
	now := float64(p.now().UnixNano()) / 1e9
	p.packetsReceived.Add(1)
	p.lastPacketUnix.Store(p.now().UnixNano())
	metrics.LastPacketTimestamp.Set(now)

	sender := state.NodeID(pkt.From)
	isSpecial := p.store.IsSpecial(sender)
	metrics.PacketsTotal.WithLabelValues(pkt.PortName, boolLabel(isSpecial)).Inc()

	rm := RecentMessage{TS: now, From: sender.Hex(), Port: pkt.PortName, Special: isSpecial}
	if pkt.HasGateway {
		rm.Gateway = state.NodeID(pkt.GatewayID).Hex()
	}
	p.noteRecent(rm)

	// Archival happens before any per-port work so a handler failure can
	// never lose the packet record.
	stored := true
	if isSpecial {
		p.store.TouchLastPacket(sender, now)
		entry := p.archiveEntry(pkt, now)
		stored = p.store.RecordPacket(sender, entry, state.SignalScore(pkt.Direct(), pkt.RxSNR, pkt.RxRSSI))
	}

	patch := state.NodePatch{LastSeen: &now}
	ch := pkt.Channel
	patch.Channel = &ch
	if pkt.ChannelName != "" {
		cn := pkt.ChannelName
		patch.ChannelName = &cn
	}
	rssi, snr := pkt.RxRSSI, pkt.RxSNR
	patch.RxRSSI, patch.RxSNR = &rssi, &snr

	switch pl := pkt.Payload.(type) {
	case mesh.UserPayload:
		p.applyUser(sender, &patch, pl)
	case mesh.PositionPayload:
		p.applyPosition(sender, isSpecial, pkt, &patch, pl, now)
	case mesh.TelemetryPayload:
		p.applyTelemetry(sender, isSpecial, &patch, pl, now)
	case mesh.MapReportPayload:
		applyMapReport(&patch, pl)
	default:
		// neighbor info, admin and unknown ports only refresh liveness
	}

	p.store.UpsertNode(sender, patch)

	if isSpecial && stored {
		p.inferGatewayEdge(sender, pkt, now)
	}
	if isSpecial {
		p.saver.RequestSave(false)
	}

	nodes, withFix := p.store.Counts()
	metrics.NodesTracked.Set(float64(nodes))
	metrics.NodesWithFix.Set(float64(withFix))
}

func (p *Processor) applyUser(sender state.NodeID, patch *state.NodePatch, pl mesh.UserPayload) {
	if pl.LongName != "" {
		patch.LongName = &pl.LongName
	}
	if pl.ShortName != "" {
		patch.ShortName = &pl.ShortName
	}
	if pl.HwModel != "" {
		patch.HwModel = &pl.HwModel
	}
	if pl.Role != "" {
		patch.Role = &pl.Role
	}
	if rec, ok := p.store.GetNode(sender); ok && rec.IsGateway && pl.LongName != "" {
		p.store.RenameGateway(sender, pl.LongName)
	}
}

func (p *Processor) applyPosition(sender state.NodeID, isSpecial bool, pkt *mesh.Packet, patch *state.NodePatch, pl mesh.PositionPayload, now float64) {
	if !pl.HasFix {
		return
	}
	lat, lon, alt := pl.Lat, pl.Lon, pl.Alt
	patch.Lat, patch.Lon, patch.Alt = &lat, &lon, &alt
	patch.LastPositionUpdate = &now

	if !isSpecial {
		return
	}
	rec, _ := p.store.GetNode(sender)
	if rec.OriginLat != nil && rec.OriginLon != nil {
		if dist, ok := Haversine(*rec.OriginLat, *rec.OriginLon, lat, lon); ok {
			patch.DistanceFromOriginM = &dist
			moved := p.cfg.MovementThresholdM > 0 && dist >= p.cfg.MovementThresholdM
			patch.MovedFar = &moved
			if moved {
				snap := rec
				snap.Lat, snap.Lon = &lat, &lon
				p.alerts.Notify(AlertMovement, sender, snap, dist)
			}
		}
	}
	if !p.store.SeenPosition(sender, pkt.RxTime) {
		pt := state.HistoryPoint{TS: now, Lat: lat, Lon: lon, Alt: &alt, RxTime: pkt.RxTime}
		pt.Battery = rec.Battery
		r, s := pkt.RxRSSI, pkt.RxSNR
		pt.RSSI, pt.SNR = &r, &s
		p.store.AppendHistory(sender, pt)
	}
}

func (p *Processor) applyTelemetry(sender state.NodeID, isSpecial bool, patch *state.NodePatch, pl mesh.TelemetryPayload, now float64) {
	rec, _ := p.store.GetNode(sender)
	snap := &state.TelemetrySnapshot{}
	if pl.Device != nil {
		snap.DeviceMetrics = &state.DeviceMetricsSnapshot{
			BatteryLevel:       pl.Device.BatteryLevel,
			Voltage:            pl.Device.Voltage,
			ChannelUtilization: pl.Device.ChannelUtilization,
			AirUtilTx:          pl.Device.AirUtilTx,
			UptimeSeconds:      pl.Device.UptimeSeconds,
		}
	}
	if pl.Power != nil {
		snap.PowerMetrics = &state.PowerMetricsSnapshot{
			Ch1Voltage: pl.Power.Ch1Voltage,
			Ch1Current: pl.Power.Ch1Current,
			Ch2Voltage: pl.Power.Ch2Voltage,
			Ch2Current: pl.Power.Ch2Current,
			Ch3Voltage: pl.Power.Ch3Voltage,
			Ch3Current: pl.Power.Ch3Current,
		}
	}
	patch.Telemetry = snap

	var (
		battery  *int
		lowAlert bool
		alertVal float64
	)
	if rec.HasPowerSensor {
		// Battery rides ch3; ch1 is the charger input and never feeds the
		// battery estimate.
		if pl.Power != nil && pl.Power.Ch3Voltage != nil {
			v := *pl.Power.Ch3Voltage
			b := BatteryFromVoltage(v)
			battery = &b
			patch.Voltage = &v
			patch.PowerCurrent = pl.Power.Ch3Current
			if v < p.cfg.PowerAlertVoltage {
				lowAlert, alertVal = true, v
			}
		}
	} else if pl.Device != nil {
		if pl.Device.BatteryLevel != nil {
			b := int(*pl.Device.BatteryLevel)
			battery = &b
		} else if pl.Device.Voltage != nil {
			b := BatteryFromVoltage(*pl.Device.Voltage)
			battery = &b
		}
		if pl.Device.Voltage != nil {
			patch.Voltage = pl.Device.Voltage
		}
		if battery != nil && *battery < p.cfg.LowBatteryPercent {
			lowAlert, alertVal = true, float64(*battery)
		}
	}
	patch.Battery = battery

	if isSpecial {
		if rec.HasFix() {
			b := battery
			if b == nil {
				// packet carried no usable metrics; record the node's
				// last-known level
				b = rec.Battery
			}
			pt := state.HistoryPoint{TS: now, Lat: *rec.Lat, Lon: *rec.Lon, Alt: rec.Alt, Battery: b}
			p.store.AppendHistory(sender, pt)
		}
		if lowAlert {
			p.alerts.Notify(AlertBattery, sender, rec, alertVal)
		}
	}
}

func applyMapReport(patch *state.NodePatch, pl mesh.MapReportPayload) {
	if pl.LongName != "" {
		patch.LongName = &pl.LongName
	}
	if pl.ShortName != "" {
		patch.ShortName = &pl.ShortName
	}
	if pl.HwModel != "" {
		patch.HwModel = &pl.HwModel
	}
	if pl.Role != "" {
		patch.Role = &pl.Role
	}
	if pl.FirmwareVersion != "" {
		patch.FirmwareVersion = &pl.FirmwareVersion
	}
	if pl.Region != "" {
		patch.Region = &pl.Region
	}
	preset := mesh.ModemPresetName(pl.ModemPreset)
	patch.ModemPreset = &preset
}

// inferGatewayEdge records which gateway bridged this packet. Only runs for
// the best-signal copy of each packet: hop_start == hop_limit proves direct
// reception, an absent hop_start leaves the path unknown, and a consumed hop
// proves a relay so no edge is drawn.
func (p *Processor) inferGatewayEdge(sender state.NodeID, pkt *mesh.Packet, now float64) {
	if !pkt.HasGateway || state.NodeID(pkt.GatewayID) == sender {
		return
	}
	var confidence string
	switch {
	case pkt.Direct():
		confidence = state.ConfidenceDirect
	case pkt.HopStart == 0:
		confidence = state.ConfidencePartial
	default:
		return
	}
	p.store.RecordGateway(sender, state.NodeID(pkt.GatewayID), state.GatewayEdge{
		RSSI:       pkt.RxRSSI,
		SNR:        pkt.RxSNR,
		LastSeen:   now,
		Confidence: confidence,
		HopStart:   pkt.HopStart,
		HopLimit:   pkt.HopLimit,
	})
	metrics.GatewayEdgesTotal.WithLabelValues(confidence).Inc()
}

func (p *Processor) archiveEntry(pkt *mesh.Packet, now float64) state.PacketArchiveEntry {
	entry := state.PacketArchiveEntry{
		Timestamp:   now,
		ID:          pkt.ID,
		Channel:     pkt.Channel,
		ChannelName: pkt.ChannelName,
		PortnumName: pkt.PortName,
		RxRSSI:      pkt.RxRSSI,
		RxSNR:       pkt.RxSNR,
		MQTTTopic:   pkt.Topic,
	}
	if pkt.HasGateway {
		entry.GatewayID = state.NodeID(pkt.GatewayID).Hex()
	}
	if pkt.HopStart != 0 || pkt.HopLimit != 0 {
		hs, hl := pkt.HopStart, pkt.HopLimit
		entry.HopStart, entry.HopLimit = &hs, &hl
	}

	switch pl := pkt.Payload.(type) {
	case mesh.PositionPayload:
		entry.PacketType = "position"
		if pl.HasFix {
			lat, lon, alt := pl.Lat, pl.Lon, pl.Alt
			entry.Lat, entry.Lon, entry.Altitude = &lat, &lon, &alt
		}
	case mesh.UserPayload:
		entry.PacketType = "nodeinfo"
		entry.LongName, entry.ShortName = pl.LongName, pl.ShortName
		entry.HwModel, entry.Role = pl.HwModel, pl.Role
	case mesh.TelemetryPayload:
		entry.PacketType = "telemetry"
		if pl.Device != nil {
			entry.BatteryLevel = pl.Device.BatteryLevel
			entry.Voltage = pl.Device.Voltage
			entry.ChannelUtilization = pl.Device.ChannelUtilization
			entry.AirUtilTx = pl.Device.AirUtilTx
		}
		if pl.Power != nil {
			entry.PowerVoltage = pl.Power.Ch3Voltage
			entry.PowerCurrent = pl.Power.Ch3Current
		}
	case mesh.MapReportPayload:
		entry.PacketType = "map_report"
		entry.LongName, entry.ShortName = pl.LongName, pl.ShortName
		entry.HwModel, entry.Role = pl.HwModel, pl.Role
		entry.FirmwareVersion, entry.Region = pl.FirmwareVersion, pl.Region
		entry.ModemPreset = mesh.ModemPresetName(pl.ModemPreset)
	case mesh.NeighborInfoPayload:
		entry.PacketType = "neighbor_info"
	case mesh.AdminPayload:
		entry.PacketType = "admin"
	default:
		entry.PacketType = "unknown"
	}

	if p.cfg.StoreRawBytes {
		if p.enc != nil {
			entry.RawPayload = p.enc.EncodeAll(pkt.Raw, nil)
			entry.RawCompressed = true
		} else {
			entry.RawPayload = append([]byte(nil), pkt.Raw...)
		}
	}
	return entry
}

func (p *Processor) noteRecent(m RecentMessage) {
	p.recentMu.Lock()
	defer p.recentMu.Unlock()
	if len(p.recent) < cap(p.recent) {
		p.recent = append(p.recent, m)
		return
	}
	p.recent[p.recentAt] = m
	p.recentAt = (p.recentAt + 1) % cap(p.recent)
}

// RecentMessages returns the ring contents oldest-first.
func (p *Processor) RecentMessages() []RecentMessage {
	p.recentMu.Lock()
	defer p.recentMu.Unlock()
	out := make([]RecentMessage, 0, len(p.recent))
	out = append(out, p.recent[p.recentAt:]...)
	out = append(out, p.recent[:p.recentAt]...)
	return out
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
