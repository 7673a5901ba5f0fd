package persist

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/buoy-tracker/mesh-ingester/internal/ingest"
	"github.com/buoy-tracker/mesh-ingester/internal/state"
)

func f64(v float64) *float64 { return &v }

const buoyID = state.NodeID(0x4049c6f4)

func testSpecials() map[state.NodeID]state.SpecialNodeConfig {
	return map[state.NodeID]state.SpecialNodeConfig{
		buoyID: {Label: "North Buoy", HomeLat: f64(37.5637125), HomeLon: f64(-122.2189855)},
	}
}

func newStore(t *testing.T) *state.Store {
	t.Helper()
	return state.NewStore(state.Options{
		SpecialNodes:   testSpecials(),
		HistoryHours:   24,
		DataLimitHours: 1,
	})
}

func newManager(t *testing.T, store *state.Store) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "special_nodes.json")
	return NewManager(path, store, testSpecials(), 50, 7, zap.NewNop())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newStore(t)
	// save-time pruning drops anything outside the retention window, so the
	// fixture has to live in the present
	now := float64(time.Now().Unix())
	name := "North Buoy Node"
	store.UpsertNode(buoyID, state.NodePatch{
		LongName: &name,
		Lat:      f64(37.5640), Lon: f64(-122.2190),
		LastSeen: f64(now),
		Voltage:  f64(3.9),
	})
	store.AppendHistory(buoyID, state.HistoryPoint{TS: now - 1000, Lat: 37.5638, Lon: -122.2189})
	store.AppendHistory(buoyID, state.HistoryPoint{TS: now, Lat: 37.5640, Lon: -122.2190})
	store.RecordPacket(buoyID, state.PacketArchiveEntry{Timestamp: now, ID: 7, PacketType: "position"}, 40)
	store.RecordGateway(buoyID, 0xa1b2c3d4, state.GatewayEdge{
		Name: "Hilltop", RSSI: -70, SNR: 6, LastSeen: now, Confidence: state.ConfidenceDirect,
	})
	store.TouchLastPacket(buoyID, now)

	m := newManager(t, store)
	if err := m.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fresh := newStore(t)
	m2 := NewManager(m.path, fresh, testSpecials(), 50, 7, zap.NewNop())
	m2.Load()

	rec, ok := fresh.GetNode(buoyID)
	if !ok {
		t.Fatalf("special node lost across round trip")
	}
	if rec.LongName != "North Buoy Node" || !rec.HasFix() {
		t.Errorf("restored record = %+v", rec)
	}
	if hist := fresh.SpecialHistory(buoyID, 24, now+100); len(hist) == 0 {
		t.Errorf("history lost across round trip")
	}
	if pkts := fresh.SpecialPackets(buoyID, 0); len(pkts) != 1 || pkts[0].ID != 7 {
		t.Errorf("packets lost across round trip: %+v", pkts)
	}
	// gateway edges restored, gateway node re-marked
	gw, ok := fresh.GetNode(0xa1b2c3d4)
	if !ok || !gw.IsGateway {
		t.Errorf("gateway not restored: %+v", gw)
	}
	conns := fresh.GatewayConnections(nil)
	if len(conns[buoyID.Hex()]) != 1 {
		t.Errorf("edges not restored: %+v", conns)
	}
}

func TestLoadReconcilesOrigin(t *testing.T) {
	store := newStore(t)
	m := newManager(t, store)
	// snapshot carrying a stale origin far from the configured home
	doc := map[string]nodeDoc{
		buoyID.Hex(): {
			Info: &infoDoc{NodeRecord: state.NodeRecord{
				Lat: f64(37.58), Lon: f64(-122.22),
				OriginLat: f64(10), OriginLon: f64(10),
				LastSeen: 9000,
			}},
		},
	}
	data, _ := json.Marshal(doc)
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		t.Fatalf("seeding snapshot: %v", err)
	}
	m.Load()

	rec, _ := store.GetNode(buoyID)
	if rec.OriginLat == nil || *rec.OriginLat != 37.5637125 {
		t.Fatalf("origin not reconciled to config: %v", rec.OriginLat)
	}
	if rec.DistanceFromOriginM == nil || math.Abs(*rec.DistanceFromOriginM-1813) > 5 {
		t.Errorf("distance not recomputed: %v", rec.DistanceFromOriginM)
	}
	if !rec.MovedFar {
		t.Errorf("moved_far not recomputed for 1813 m > 50 m")
	}
}

func TestLoadReconcileMovedAtThreshold(t *testing.T) {
	store := newStore(t)
	// the exact distance reconcile will compute for the stored position
	dist, ok := ingest.Haversine(37.5637125, -122.2189855, 37.58, -122.22)
	if !ok {
		t.Fatalf("haversine failed")
	}
	path := filepath.Join(t.TempDir(), "special_nodes.json")
	m := NewManager(path, store, testSpecials(), dist, 7, zap.NewNop())

	doc := map[string]nodeDoc{
		buoyID.Hex(): {
			Info: &infoDoc{NodeRecord: state.NodeRecord{
				Lat: f64(37.58), Lon: f64(-122.22), LastSeen: 9000,
			}},
		},
	}
	data, _ := json.Marshal(doc)
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		t.Fatalf("seeding snapshot: %v", err)
	}
	m.Load()

	rec, _ := store.GetNode(buoyID)
	if !rec.MovedFar {
		t.Errorf("distance equal to the threshold must count as moved")
	}
}

func TestLoadToleratesLegacyCamelCase(t *testing.T) {
	store := newStore(t)
	m := newManager(t, store)
	legacy := `{
	  "!4049c6f4": {
	    "info": {
	      "longName": "Old Snapshot Buoy",
	      "lastSeen": 7000,
	      "voltage": 3.7,
	      "latitude": 37.51,
	      "longitude": -122.21
	    },
	    "positionHistory": [
	      {"ts": 7000, "lat": 37.5, "lon": -122.2}
	    ]
	  }
	}`
	if err := os.WriteFile(m.path, []byte(legacy), 0o644); err != nil {
		t.Fatalf("seeding snapshot: %v", err)
	}
	m.Load()

	rec, ok := store.GetNode(buoyID)
	if !ok || rec.LongName != "Old Snapshot Buoy" {
		t.Fatalf("legacy long name not read: %+v", rec)
	}
	if rec.LastSeen != 7000 {
		t.Errorf("legacy last_seen not read: %v", rec.LastSeen)
	}
	// spelled-out coordinate keys map onto lat/lon
	if !rec.HasFix() || *rec.Lat != 37.51 || *rec.Lon != -122.21 {
		t.Errorf("legacy latitude/longitude not read: %v,%v", rec.Lat, rec.Lon)
	}
	// battery estimated from the stored voltage when absent
	if rec.Battery == nil || *rec.Battery != 62 {
		t.Errorf("battery not estimated from voltage: %v", rec.Battery)
	}
	// last_position_update synthesized from the newest history point
	if rec.LastPositionUpdate == nil || *rec.LastPositionUpdate != 7000 {
		t.Errorf("last_position_update not synthesized: %v", rec.LastPositionUpdate)
	}
	if hist := store.SpecialHistory(buoyID, 24, 7100); len(hist) != 1 {
		t.Errorf("legacy history not read: %+v", hist)
	}
}

func TestSaveWritesSnakeCaseOnly(t *testing.T) {
	store := newStore(t)
	name := "Buoy"
	store.UpsertNode(buoyID, state.NodePatch{LongName: &name, LastSeen: f64(100)})
	m := newManager(t, store)
	if err := m.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	s := string(data)
	if strings.Contains(s, "longName") || strings.Contains(s, "lastSeen") {
		t.Errorf("snapshot contains camelCase keys:\n%s", s)
	}
	if !strings.Contains(s, `"long_name"`) {
		t.Errorf("snapshot missing snake_case keys:\n%s", s)
	}
}

func TestLoadSurvivesGarbage(t *testing.T) {
	store := newStore(t)
	m := newManager(t, store)
	if err := os.WriteFile(m.path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seeding snapshot: %v", err)
	}
	m.Load() // must not panic and must leave the store usable

	if nodes, _ := store.Counts(); nodes != 1 { // pre-seeded special only
		t.Errorf("garbage snapshot mutated the store")
	}
}

func TestLoadMissingFile(t *testing.T) {
	store := newStore(t)
	m := newManager(t, store)
	m.Load()
	if nodes, _ := store.Counts(); nodes != 1 {
		t.Errorf("missing snapshot mutated the store")
	}
}

func TestSavePrunesArchive(t *testing.T) {
	store := newStore(t)
	store.AppendHistory(buoyID, state.HistoryPoint{TS: 100, Lat: 1, Lon: 1})
	store.RecordPacket(buoyID, state.PacketArchiveEntry{Timestamp: 100, ID: 1, PacketType: "position"}, 10)
	m := newManager(t, store)
	if err := m.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// timestamps near the epoch are far outside the 7-day window
	if pkts := store.SpecialPackets(buoyID, 0); len(pkts) != 0 {
		t.Errorf("stale packets survived the save-time prune: %+v", pkts)
	}
}

func TestNormalizeKeysNested(t *testing.T) {
	in := json.RawMessage(`{"info":{"longName":"x","gatewayConnections":{"!a1b2c3d4":{"lastSeen":5}}}}`)
	out := string(normalizeKeys(in))
	if !strings.Contains(out, `"long_name"`) || !strings.Contains(out, `"gateway_connections"`) {
		t.Errorf("keys not normalized: %s", out)
	}
	if !strings.Contains(out, `"!a1b2c3d4"`) {
		t.Errorf("node-id key mangled: %s", out)
	}
	if !strings.Contains(out, `"last_seen"`) {
		t.Errorf("nested keys not normalized: %s", out)
	}
}

func TestNormalizeKeysAliases(t *testing.T) {
	in := json.RawMessage(`{"latitude":37.5,"longitude":-122.2,"altitude":12}`)
	out := string(normalizeKeys(in))
	if !strings.Contains(out, `"lat":`) || !strings.Contains(out, `"lon":`) {
		t.Errorf("coordinate aliases not applied: %s", out)
	}
	// the packet archive uses "altitude" live; it must not be rewritten
	if !strings.Contains(out, `"altitude":`) {
		t.Errorf("altitude key rewritten: %s", out)
	}
}
