package ingest

import (
	"math"
	"testing"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/buoy-tracker/mesh-ingester/internal/mesh"
	"github.com/buoy-tracker/mesh-ingester/internal/state"
)

func TestHaversineKnownDistance(t *testing.T) {
	d, ok := Haversine(37.5637125, -122.2189855, 37.58, -122.22)
	if !ok {
		t.Fatalf("finite inputs reported as invalid")
	}
	if math.Abs(d-1813) > 2 {
		t.Errorf("distance = %.1f m, want 1813 ± 2", d)
	}
}

func TestHaversineNonFinite(t *testing.T) {
	if _, ok := Haversine(math.NaN(), 0, 0, 0); ok {
		t.Errorf("NaN input accepted")
	}
	if _, ok := Haversine(0, math.Inf(1), 0, 0); ok {
		t.Errorf("Inf input accepted")
	}
}

func TestBatteryFromVoltage(t *testing.T) {
	cases := []struct {
		v    float64
		want int
	}{
		{3.7, 62},
		{2.8, 0},
		{2.0, 0},
		{4.25, 100},
		{5.0, 100},
	}
	for _, tc := range cases {
		if got := BatteryFromVoltage(tc.v); got != tc.want {
			t.Errorf("BatteryFromVoltage(%.2f) = %d, want %d", tc.v, got, tc.want)
		}
	}
}

func TestSignalScoreDirectDominates(t *testing.T) {
	weakDirect := state.SignalScore(true, -15, -95)
	strongRelayed := state.SignalScore(false, 10, -60)
	if weakDirect <= strongRelayed {
		t.Errorf("direct %f must outrank relayed %f", weakDirect, strongRelayed)
	}
	if s := state.SignalScore(false, 100, 0); s != 90 {
		t.Errorf("snr/rssi contributions not capped: %f", s)
	}
}

type alertCall struct {
	kind  string
	id    state.NodeID
	value float64
}

type fakeAlerter struct{ calls []alertCall }

func (f *fakeAlerter) Notify(kind string, id state.NodeID, _ state.NodeRecord, value float64) {
	f.calls = append(f.calls, alertCall{kind, id, value})
}

type fakeSaver struct{ requests int }

func (f *fakeSaver) RequestSave(bool) { f.requests++ }

const (
	testSpecial = state.NodeID(0x4049c6f4)
	testGateway = uint32(0xa1b2c3d4)
	testTopic   = "msh/US/bayarea/2/e/MediumFast/!a1b2c3d4"
)

func newTestProcessor(t *testing.T, cfg Config) (*Processor, *state.Store, *fakeAlerter, *fakeSaver) {
	t.Helper()
	codec, err := mesh.NewCodec("")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	store := state.NewStore(state.Options{
		SpecialNodes: map[state.NodeID]state.SpecialNodeConfig{
			testSpecial: {Label: "Buoy", HomeLat: proto.Float64(37.5637125), HomeLon: proto.Float64(-122.2189855)},
		},
		HistoryHours:   24,
		DataLimitHours: 1,
	})
	alerter := &fakeAlerter{}
	saver := &fakeSaver{}
	return NewProcessor(cfg, codec, store, alerter, saver, zap.NewNop()), store, alerter, saver
}

func marshalEnvelope(t *testing.T, mp *meshtastic.MeshPacket) []byte {
	t.Helper()
	raw, err := proto.Marshal(&meshtastic.ServiceEnvelope{Packet: mp})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func positionPacket(t *testing.T, id uint32, latI, lonI int32, hopStart, hopLimit uint32, rssi int32, snr float32) []byte {
	t.Helper()
	pos, err := proto.Marshal(&meshtastic.Position{
		LatitudeI:  proto.Int32(latI),
		LongitudeI: proto.Int32(lonI),
	})
	if err != nil {
		t.Fatalf("marshal position: %v", err)
	}
	return marshalEnvelope(t, &meshtastic.MeshPacket{
		From:     uint32(testSpecial),
		Id:       id,
		HopStart: hopStart,
		HopLimit: hopLimit,
		RxRssi:   rssi,
		RxSnr:    snr,
		PayloadVariant: &meshtastic.MeshPacket_Decoded{
			Decoded: &meshtastic.Data{
				Portnum: meshtastic.PortNum_POSITION_APP,
				Payload: pos,
			},
		},
	})
}

func TestProcessorPositionUpdatesStore(t *testing.T) {
	p, store, _, saver := newTestProcessor(t, Config{MovementThresholdM: 50})
	p.handle(Message{Topic: testTopic, Payload: positionPacket(t, 1, 375637125, -1222189855, 3, 3, -80, 5)})

	rec, ok := store.GetNode(testSpecial)
	if !ok || !rec.HasFix() {
		t.Fatalf("position not applied: %+v", rec)
	}
	if *rec.Lat != 37.5637125 || *rec.Lon != -122.2189855 {
		t.Errorf("position = %v,%v", *rec.Lat, *rec.Lon)
	}
	if rec.DistanceFromOriginM == nil || *rec.DistanceFromOriginM > 1 {
		t.Errorf("distance from origin = %v, want ~0", rec.DistanceFromOriginM)
	}
	if rec.MovedFar {
		t.Errorf("node at origin flagged as moved")
	}
	if saver.requests == 0 {
		t.Errorf("special packet did not request a snapshot")
	}
	if len(store.SpecialPackets(testSpecial, 0)) != 1 {
		t.Errorf("packet not archived")
	}
}

func TestProcessorDirectGatewayEdge(t *testing.T) {
	p, store, _, _ := newTestProcessor(t, Config{})
	p.handle(Message{Topic: testTopic, Payload: positionPacket(t, 2, 375637125, -1222189855, 3, 3, -80, 5)})

	conns := store.GatewayConnections(nil)
	edges := conns[testSpecial.Hex()]
	if len(edges) != 1 {
		t.Fatalf("edges = %+v, want one direct edge", conns)
	}
	if edges[0].Confidence != state.ConfidenceDirect {
		t.Errorf("confidence = %q, want direct", edges[0].Confidence)
	}
	gw, ok := store.GetNode(state.NodeID(testGateway))
	if !ok || !gw.IsGateway {
		t.Errorf("gateway node not marked")
	}
}

func TestProcessorRelayedPacketNoEdge(t *testing.T) {
	p, store, _, _ := newTestProcessor(t, Config{})
	p.handle(Message{Topic: testTopic, Payload: positionPacket(t, 3, 375637125, -1222189855, 3, 1, -60, 8)})

	if conns := store.GatewayConnections(nil); len(conns) != 0 {
		t.Errorf("relayed packet produced edges: %+v", conns)
	}
	if len(store.SpecialPackets(testSpecial, 0)) != 1 {
		t.Errorf("relayed packet must still be archived")
	}
}

func TestProcessorDedupPrefersDirect(t *testing.T) {
	p, store, _, _ := newTestProcessor(t, Config{})
	// relayed copy, stronger signal
	p.handle(Message{Topic: testTopic, Payload: positionPacket(t, 777, 375637125, -1222189855, 3, 2, -60, 8)})
	// direct copy, weaker signal, must replace it
	p.handle(Message{Topic: testTopic, Payload: positionPacket(t, 777, 375637125, -1222189855, 3, 3, -95, 2)})

	pkts := store.SpecialPackets(testSpecial, 0)
	if len(pkts) != 1 {
		t.Fatalf("archived %d copies of packet 777, want 1", len(pkts))
	}
	e := pkts[0]
	if e.HopStart == nil || e.HopLimit == nil || *e.HopStart != 3 || *e.HopLimit != 3 {
		t.Errorf("retained copy is not the direct one: %+v", e)
	}
}

func TestProcessorMovementAlert(t *testing.T) {
	p, _, alerter, _ := newTestProcessor(t, Config{MovementThresholdM: 50})
	// ~1813 m from home
	p.handle(Message{Topic: testTopic, Payload: positionPacket(t, 10, 375800000, -1222200000, 3, 3, -80, 5)})

	if len(alerter.calls) != 1 {
		t.Fatalf("alerts = %+v, want one movement alert", alerter.calls)
	}
	c := alerter.calls[0]
	if c.kind != AlertMovement || c.id != testSpecial {
		t.Errorf("alert = %+v", c)
	}
	if math.Abs(c.value-1813) > 2 {
		t.Errorf("alert distance = %.1f, want ~1813", c.value)
	}
}

func TestProcessorMovementAtThreshold(t *testing.T) {
	// the exact distance the processor will compute for this packet
	lat := float64(375800000) / 1e7
	lon := float64(-1222200000) / 1e7
	dist, ok := Haversine(37.5637125, -122.2189855, lat, lon)
	if !ok {
		t.Fatalf("haversine failed")
	}

	p, store, alerter, _ := newTestProcessor(t, Config{MovementThresholdM: dist})
	p.handle(Message{Topic: testTopic, Payload: positionPacket(t, 11, 375800000, -1222200000, 3, 3, -80, 5)})

	rec, _ := store.GetNode(testSpecial)
	if !rec.MovedFar {
		t.Errorf("distance equal to the threshold must count as moved")
	}
	if len(alerter.calls) != 1 || alerter.calls[0].kind != AlertMovement {
		t.Errorf("alerts = %+v, want one movement alert", alerter.calls)
	}
}

func TestProcessorPositionDedupByRxTime(t *testing.T) {
	p, store, _, _ := newTestProcessor(t, Config{})
	pos, _ := proto.Marshal(&meshtastic.Position{
		LatitudeI:  proto.Int32(375637125),
		LongitudeI: proto.Int32(-1222189855),
	})
	mk := func(id uint32) []byte {
		return marshalEnvelope(t, &meshtastic.MeshPacket{
			From:   uint32(testSpecial),
			Id:     id,
			RxTime: 1700000000,
			PayloadVariant: &meshtastic.MeshPacket_Decoded{
				Decoded: &meshtastic.Data{Portnum: meshtastic.PortNum_POSITION_APP, Payload: pos},
			},
		})
	}
	p.handle(Message{Topic: testTopic, Payload: mk(20)})
	p.handle(Message{Topic: testTopic, Payload: mk(21)})

	if got := len(store.SpecialHistory(testSpecial, 24, float64(p.now().Unix())+10)); got != 1 {
		t.Errorf("history has %d points, want 1 after rxTime dedup", got)
	}
}

func telemetryPacket(t *testing.T, id uint32, tel *meshtastic.Telemetry) []byte {
	t.Helper()
	raw, err := proto.Marshal(tel)
	if err != nil {
		t.Fatalf("marshal telemetry: %v", err)
	}
	return marshalEnvelope(t, &meshtastic.MeshPacket{
		From: uint32(testSpecial),
		Id:   id,
		PayloadVariant: &meshtastic.MeshPacket_Decoded{
			Decoded: &meshtastic.Data{Portnum: meshtastic.PortNum_TELEMETRY_APP, Payload: raw},
		},
	})
}

func TestProcessorTelemetryBatteryFromVoltage(t *testing.T) {
	p, store, alerter, _ := newTestProcessor(t, Config{LowBatteryPercent: 20})
	p.handle(Message{Topic: testTopic, Payload: telemetryPacket(t, 30, &meshtastic.Telemetry{
		Variant: &meshtastic.Telemetry_DeviceMetrics{
			DeviceMetrics: &meshtastic.DeviceMetrics{Voltage: proto.Float32(3.7)},
		},
	})})

	rec, _ := store.GetNode(testSpecial)
	if rec.Battery == nil || *rec.Battery != 62 {
		t.Errorf("battery = %v, want 62 from 3.7 V", rec.Battery)
	}
	if len(alerter.calls) != 0 {
		t.Errorf("unexpected alert at 62%%: %+v", alerter.calls)
	}
}

func TestProcessorTelemetryLowBatteryAlert(t *testing.T) {
	p, _, alerter, _ := newTestProcessor(t, Config{LowBatteryPercent: 20})
	p.handle(Message{Topic: testTopic, Payload: telemetryPacket(t, 31, &meshtastic.Telemetry{
		Variant: &meshtastic.Telemetry_DeviceMetrics{
			DeviceMetrics: &meshtastic.DeviceMetrics{BatteryLevel: proto.Uint32(12)},
		},
	})})
	if len(alerter.calls) != 1 || alerter.calls[0].kind != AlertBattery {
		t.Fatalf("alerts = %+v, want one battery alert", alerter.calls)
	}
	if alerter.calls[0].value != 12 {
		t.Errorf("alert value = %v, want 12", alerter.calls[0].value)
	}
}

func TestProcessorTelemetryMergesSubsets(t *testing.T) {
	p, store, _, _ := newTestProcessor(t, Config{})
	p.handle(Message{Topic: testTopic, Payload: telemetryPacket(t, 40, &meshtastic.Telemetry{
		Variant: &meshtastic.Telemetry_DeviceMetrics{
			DeviceMetrics: &meshtastic.DeviceMetrics{ChannelUtilization: proto.Float32(7.5)},
		},
	})})
	p.handle(Message{Topic: testTopic, Payload: telemetryPacket(t, 41, &meshtastic.Telemetry{
		Variant: &meshtastic.Telemetry_PowerMetrics{
			PowerMetrics: &meshtastic.PowerMetrics{Ch1Voltage: proto.Float32(12.1)},
		},
	})})

	rec, _ := store.GetNode(testSpecial)
	if rec.Telemetry == nil || rec.Telemetry.DeviceMetrics == nil || rec.Telemetry.PowerMetrics == nil {
		t.Fatalf("telemetry subsets not merged: %+v", rec.Telemetry)
	}
	if rec.Telemetry.DeviceMetrics.ChannelUtilization == nil {
		t.Errorf("device metrics overwritten by power metrics packet")
	}
}

func TestProcessorTelemetryKeepsKnownBattery(t *testing.T) {
	p, store, _, _ := newTestProcessor(t, Config{LowBatteryPercent: 20})
	p.handle(Message{Topic: testTopic, Payload: positionPacket(t, 70, 375637125, -1222189855, 3, 3, -80, 5)})
	p.handle(Message{Topic: testTopic, Payload: telemetryPacket(t, 71, &meshtastic.Telemetry{
		Variant: &meshtastic.Telemetry_DeviceMetrics{
			DeviceMetrics: &meshtastic.DeviceMetrics{BatteryLevel: proto.Uint32(80)},
		},
	})})
	// utilization-only packet: the history point still records the node's
	// last-known battery level
	p.handle(Message{Topic: testTopic, Payload: telemetryPacket(t, 72, &meshtastic.Telemetry{
		Variant: &meshtastic.Telemetry_DeviceMetrics{
			DeviceMetrics: &meshtastic.DeviceMetrics{ChannelUtilization: proto.Float32(5)},
		},
	})})

	hist := store.SpecialHistory(testSpecial, 24, float64(p.now().Unix())+10)
	if len(hist) == 0 {
		t.Fatalf("no history recorded")
	}
	last := hist[len(hist)-1]
	if last.Battery == nil || *last.Battery != 80 {
		t.Errorf("history battery = %v, want carried-over 80", last.Battery)
	}
}

func TestProcessorPowerSensorBattery(t *testing.T) {
	codec, _ := mesh.NewCodec("")
	store := state.NewStore(state.Options{
		SpecialNodes: map[state.NodeID]state.SpecialNodeConfig{
			testSpecial: {Label: "Buoy", HasPowerSensor: true},
		},
		HistoryHours:   24,
		DataLimitHours: 1,
	})
	alerter := &fakeAlerter{}
	p := NewProcessor(Config{LowBatteryPercent: 20}, codec, store, alerter, &fakeSaver{}, zap.NewNop())

	p.handle(Message{Topic: testTopic, Payload: telemetryPacket(t, 50, &meshtastic.Telemetry{
		Variant: &meshtastic.Telemetry_PowerMetrics{
			PowerMetrics: &meshtastic.PowerMetrics{
				Ch1Voltage: proto.Float32(12.0), // charger input, ignored
				Ch3Voltage: proto.Float32(3.4),
			},
		},
	})})

	rec, _ := store.GetNode(testSpecial)
	if rec.Voltage == nil || math.Abs(*rec.Voltage-3.4) > 0.001 {
		t.Errorf("voltage = %v, want battery channel 3.4", rec.Voltage)
	}
	if rec.Battery == nil || *rec.Battery != BatteryFromVoltage(3.4) {
		t.Errorf("battery = %v", rec.Battery)
	}
	// 3.4 V is below the 3.5 V threshold for power-sensor nodes
	if len(alerter.calls) != 1 || alerter.calls[0].kind != AlertBattery {
		t.Errorf("alerts = %+v, want one battery alert", alerter.calls)
	}
}

func TestProcessorNodeInfoRenamesGateway(t *testing.T) {
	p, store, _, _ := newTestProcessor(t, Config{})
	// the gateway hears a direct packet first, creating the edge
	p.handle(Message{Topic: testTopic, Payload: positionPacket(t, 60, 375637125, -1222189855, 3, 3, -80, 5)})

	user, _ := proto.Marshal(&meshtastic.User{LongName: "Hilltop Gateway"})
	p.handle(Message{Topic: testTopic, Payload: marshalEnvelope(t, &meshtastic.MeshPacket{
		From: testGateway,
		Id:   61,
		PayloadVariant: &meshtastic.MeshPacket_Decoded{
			Decoded: &meshtastic.Data{Portnum: meshtastic.PortNum_NODEINFO_APP, Payload: user},
		},
	})})

	conns := store.GatewayConnections(nil)
	edges := conns[testSpecial.Hex()]
	if len(edges) != 1 || edges[0].Name != "Hilltop Gateway" {
		t.Errorf("gateway name not propagated to edges: %+v", edges)
	}
}

func TestRecentRingOverwritesOldest(t *testing.T) {
	p, _, _, _ := newTestProcessor(t, Config{RecentBufferSize: 2})
	for id := uint32(100); id < 103; id++ {
		p.handle(Message{Topic: testTopic, Payload: positionPacket(t, id, 375637125, -1222189855, 3, 3, -80, 5)})
	}
	recent := p.RecentMessages()
	if len(recent) != 2 {
		t.Fatalf("ring holds %d entries, want 2", len(recent))
	}
	if recent[0].TS > recent[1].TS {
		t.Errorf("ring not oldest-first: %+v", recent)
	}
	if recent[0].From != testSpecial.Hex() || !recent[0].Special {
		t.Errorf("entry = %+v", recent[0])
	}
}

func TestProcessorUndecodableDropped(t *testing.T) {
	p, store, _, _ := newTestProcessor(t, Config{})
	p.handle(Message{Topic: testTopic, Payload: []byte{0xff, 0x01, 0x02}})
	if p.PacketsReceived() != 0 {
		t.Errorf("garbage counted as a packet")
	}
	if nodes, _ := store.Counts(); nodes != 1 { // only the pre-seeded special
		t.Errorf("garbage mutated the store: %d nodes", nodes)
	}
}
