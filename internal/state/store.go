// Package state owns the live in-memory model of every observed mesh node:
// node records, special-node history and packet archive, derived gateway
// topology and the read-side projections served over HTTP.
//
// All mutation funnels through the single ingest goroutine; readers take the
// read lock and copy out, so every exported read observes a consistent
// post-write state.
package state

import (
	"sort"
	"sync"
)

// Options configures a Store.
type Options struct {
	SpecialNodes     map[NodeID]SpecialNodeConfig
	HistoryHours     int     // retention window for position history
	ArchiveDays      int     // retention for the packet archive (pruned on save)
	DataLimitHours   float64 // read-side history bucket width
	ShowAllNodes     bool
	ShowOffline      bool
	StatusBlueSecs   float64
	StatusOrangeSecs float64
}

type packetRef struct {
	index int
	score float64
}

// Store is the concurrently-read node state store.
type Store struct {
	mu sync.RWMutex

	opts Options

	nodes          map[NodeID]*NodeRecord
	history        map[NodeID][]HistoryPoint
	packets        map[NodeID][]PacketArchiveEntry
	gateways       map[NodeID]map[NodeID]*GatewayEdge
	reliability    map[NodeID]*GatewayReliability
	allGateways    map[NodeID]struct{}
	bestGateway    map[NodeID]*BestGateway
	lastPacketSeen map[NodeID]float64

	posDedup map[NodeID]map[uint32]struct{}
	pktDedup map[NodeID]map[uint32]packetRef
}

// NewStore builds a store and pre-seeds a record for every configured special
// node so they are visible before their first packet.
func NewStore(opts Options) *Store {
	if opts.HistoryHours <= 0 {
		opts.HistoryHours = 24
	}
	if opts.ArchiveDays <= 0 {
		opts.ArchiveDays = 7
	}
	if opts.DataLimitHours <= 0 {
		opts.DataLimitHours = 1
	}
	if opts.StatusBlueSecs <= 0 {
		opts.StatusBlueSecs = 3600
	}
	if opts.StatusOrangeSecs <= 0 {
		opts.StatusOrangeSecs = 2 * 3600
	}
	s := &Store{
		opts:           opts,
		nodes:          make(map[NodeID]*NodeRecord),
		history:        make(map[NodeID][]HistoryPoint),
		packets:        make(map[NodeID][]PacketArchiveEntry),
		gateways:       make(map[NodeID]map[NodeID]*GatewayEdge),
		reliability:    make(map[NodeID]*GatewayReliability),
		allGateways:    make(map[NodeID]struct{}),
		bestGateway:    make(map[NodeID]*BestGateway),
		lastPacketSeen: make(map[NodeID]float64),
		posDedup:       make(map[NodeID]map[uint32]struct{}),
		pktDedup:       make(map[NodeID]map[uint32]packetRef),
	}
	for id, cfg := range opts.SpecialNodes {
		rec := &NodeRecord{
			Label:          cfg.Label,
			IsSpecial:      true,
			HasPowerSensor: cfg.HasPowerSensor,
		}
		if cfg.HomeLat != nil && cfg.HomeLon != nil {
			lat, lon := *cfg.HomeLat, *cfg.HomeLon
			rec.OriginLat, rec.OriginLon = &lat, &lon
		}
		s.nodes[id] = rec
	}
	return s
}

// IsSpecial reports whether the node is enumerated in configuration.
func (s *Store) IsSpecial(id NodeID) bool {
	_, ok := s.opts.SpecialNodes[id]
	return ok
}

// SpecialConfig returns the configured settings for a special node.
func (s *Store) SpecialConfig(id NodeID) (SpecialNodeConfig, bool) {
	cfg, ok := s.opts.SpecialNodes[id]
	return cfg, ok
}

// SpecialIDs returns the configured special node IDs in ascending order.
func (s *Store) SpecialIDs() []NodeID {
	ids := make([]NodeID, 0, len(s.opts.SpecialNodes))
	for id := range s.opts.SpecialNodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NodePatch is a merge-update for a node record. Nil fields leave the stored
// value untouched; lat and lon must be patched together.
type NodePatch struct {
	LongName        *string
	ShortName       *string
	HwModel         *string
	Role            *string
	FirmwareVersion *string
	Region          *string

	Lat                *float64
	Lon                *float64
	Alt                *int32
	LastPositionUpdate *float64

	Channel     *uint32
	ChannelName *string
	ModemPreset *string
	RxRSSI      *int32
	RxSNR       *float64

	Battery      *int
	Voltage      *float64
	PowerCurrent *float64
	Telemetry    *TelemetrySnapshot

	OriginLat           *float64
	OriginLon           *float64
	DistanceFromOriginM *float64
	MovedFar            *bool

	LastSeen  *float64
	IsGateway *bool
}

// UpsertNode applies a merge-update, creating the record on first
// observation. last_seen never moves backwards. A patch carrying only one of
// lat/lon is an invariant violation: the position part is skipped while the
// rest of the patch is applied.
func (s *Store) UpsertNode(id NodeID, p NodePatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ensureNodeLocked(id)
	applyPatch(rec, p)
}

func (s *Store) ensureNodeLocked(id NodeID) *NodeRecord {
	rec, ok := s.nodes[id]
	if !ok {
		rec = &NodeRecord{IsSpecial: s.IsSpecial(id)}
		if cfg, ok := s.opts.SpecialNodes[id]; ok {
			rec.Label = cfg.Label
			rec.HasPowerSensor = cfg.HasPowerSensor
		}
		s.nodes[id] = rec
	}
	return rec
}

func applyPatch(rec *NodeRecord, p NodePatch) {
	if p.LongName != nil {
		rec.LongName = *p.LongName
	}
	if p.ShortName != nil {
		rec.ShortName = *p.ShortName
	}
	if p.HwModel != nil {
		rec.HwModel = *p.HwModel
	}
	if p.Role != nil {
		rec.Role = *p.Role
	}
	if p.FirmwareVersion != nil {
		rec.FirmwareVersion = *p.FirmwareVersion
	}
	if p.Region != nil {
		rec.Region = *p.Region
	}
	// lat/lon travel as a pair or not at all.
	if p.Lat != nil && p.Lon != nil {
		rec.Lat, rec.Lon = p.Lat, p.Lon
		if p.Alt != nil {
			rec.Alt = p.Alt
		}
		if p.LastPositionUpdate != nil {
			rec.LastPositionUpdate = p.LastPositionUpdate
		}
	}
	if p.Channel != nil {
		rec.Channel = p.Channel
	}
	if p.ChannelName != nil {
		rec.ChannelName = *p.ChannelName
	}
	if p.ModemPreset != nil {
		rec.ModemPreset = *p.ModemPreset
	}
	if p.RxRSSI != nil {
		rec.RxRSSI = p.RxRSSI
	}
	if p.RxSNR != nil {
		rec.RxSNR = p.RxSNR
	}
	if p.Battery != nil {
		b := clampBattery(*p.Battery)
		rec.Battery = &b
	}
	if p.Voltage != nil {
		rec.Voltage = p.Voltage
	}
	if p.PowerCurrent != nil {
		rec.PowerCurrent = p.PowerCurrent
	}
	if p.Telemetry != nil {
		if rec.Telemetry == nil {
			rec.Telemetry = &TelemetrySnapshot{}
		}
		rec.Telemetry.merge(p.Telemetry)
	}
	if p.OriginLat != nil && p.OriginLon != nil {
		rec.OriginLat, rec.OriginLon = p.OriginLat, p.OriginLon
	}
	if p.DistanceFromOriginM != nil {
		rec.DistanceFromOriginM = p.DistanceFromOriginM
	}
	if p.MovedFar != nil {
		rec.MovedFar = *p.MovedFar
	}
	if p.LastSeen != nil && *p.LastSeen > rec.LastSeen {
		rec.LastSeen = *p.LastSeen
	}
	if p.IsGateway != nil {
		rec.IsGateway = *p.IsGateway
	}
}

func clampBattery(b int) int {
	if b < 0 {
		return 0
	}
	if b > 100 {
		return 100
	}
	return b
}

// GetNode returns a copy of the node record.
func (s *Store) GetNode(id NodeID) (NodeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.nodes[id]
	if !ok {
		return NodeRecord{}, false
	}
	return rec.clone(), true
}

// TouchLastPacket records that any packet, even one we could not decode, was
// seen from a special node.
func (s *Store) TouchLastPacket(id NodeID, ts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts > s.lastPacketSeen[id] {
		s.lastPacketSeen[id] = ts
	}
}

// SeenPosition reports whether rxTime was already absorbed into the node's
// history, remembering it otherwise. rxTime 0 (absent) is never deduplicated.
func (s *Store) SeenPosition(id NodeID, rxTime uint32) bool {
	if rxTime == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.posDedup[id]
	if !ok {
		set = make(map[uint32]struct{})
		s.posDedup[id] = set
	}
	if _, seen := set[rxTime]; seen {
		return true
	}
	set[rxTime] = struct{}{}
	return false
}

// AppendHistory appends a point and prunes entries older than the retention
// window, measured from the new point's timestamp.
func (s *Store) AppendHistory(id NodeID, pt HistoryPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := append(s.history[id], pt)
	cutoff := pt.TS - float64(s.opts.HistoryHours)*3600
	start := 0
	for start < len(hist) && hist[start].TS < cutoff {
		start++
	}
	s.history[id] = hist[start:]
}

// RecordPacket archives a packet for a special node, keeping exactly one copy
// per packet ID: the one with the highest signal-quality score. Entries
// without an ID are archived unconditionally. Returns whether the entry was
// stored (fresh or as a replacement).
func (s *Store) RecordPacket(id NodeID, entry PacketArchiveEntry, score float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == 0 {
		s.packets[id] = append(s.packets[id], entry)
		return true
	}
	refs, ok := s.pktDedup[id]
	if !ok {
		refs = make(map[uint32]packetRef)
		s.pktDedup[id] = refs
	}
	if ref, seen := refs[entry.ID]; seen {
		if score > ref.score && ref.index < len(s.packets[id]) {
			s.packets[id][ref.index] = entry
			refs[entry.ID] = packetRef{index: ref.index, score: score}
			return true
		}
		return false
	}
	s.packets[id] = append(s.packets[id], entry)
	refs[entry.ID] = packetRef{index: len(s.packets[id]) - 1, score: score}
	return true
}

// RecordGateway upserts a gateway edge (latest wins per special/gateway
// pair), marks the gateway node, updates the special node's best gateway and
// rebuilds the gateway's reliability cache.
func (s *Store) RecordGateway(specialID, gatewayID NodeID, edge GatewayEdge) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gw := s.ensureNodeLocked(gatewayID)
	gw.IsGateway = true
	if edge.Name == "" && gw.LongName != "" {
		edge.Name = gw.LongName
	}
	if gw.HasFix() {
		edge.Lat, edge.Lon = gw.Lat, gw.Lon
	}

	edges, ok := s.gateways[specialID]
	if !ok {
		edges = make(map[NodeID]*GatewayEdge)
		s.gateways[specialID] = edges
	}
	e := edge
	edges[gatewayID] = &e
	s.allGateways[gatewayID] = struct{}{}

	s.updateBestGatewayLocked(specialID)
	s.recomputeReliabilityLocked(gatewayID, edge.LastSeen)
}

// Best gateway: the highest-confidence edge set wins, rssi breaks ties.
func (s *Store) updateBestGatewayLocked(specialID NodeID) {
	var best *BestGateway
	for gwID, e := range s.gateways[specialID] {
		cand := &BestGateway{
			GatewayID:  gwID,
			Name:       e.Name,
			RSSI:       e.RSSI,
			SNR:        e.SNR,
			Confidence: e.Confidence,
			LastSeen:   e.LastSeen,
		}
		if best == nil || betterGateway(cand, best) {
			best = cand
		}
	}
	if best != nil {
		s.bestGateway[specialID] = best
	}
}

func betterGateway(a, b *BestGateway) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence == ConfidenceDirect
	}
	return a.RSSI > b.RSSI
}

// RenameGateway propagates a fresh long name to every edge referencing the
// gateway (NodeInfo arrives long after the first inferred edge).
func (s *Store) RenameGateway(gatewayID NodeID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for specialID, edges := range s.gateways {
		if e, ok := edges[gatewayID]; ok {
			e.Name = name
			if best, ok := s.bestGateway[specialID]; ok && best.GatewayID == gatewayID {
				best.Name = name
			}
		}
	}
}

// InvalidateReliability recomputes the cached score for a gateway from the
// current edge set.
func (s *Store) InvalidateReliability(gatewayID NodeID, now float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputeReliabilityLocked(gatewayID, now)
}

// Score: confidence base (direct 60 / partial 30) + up to 20 for repeated
// detections + up to 20 for signal strength, clamped to [0,100].
func (s *Store) recomputeReliabilityLocked(gatewayID NodeID, now float64) {
	var (
		count   int
		rssiSum float64
		direct  bool
	)
	for _, edges := range s.gateways {
		if e, ok := edges[gatewayID]; ok {
			count++
			rssiSum += float64(e.RSSI)
			if e.Confidence == ConfidenceDirect {
				direct = true
			}
		}
	}
	if count == 0 {
		delete(s.reliability, gatewayID)
		return
	}
	avg := rssiSum / float64(count)
	score := 30.0
	level := ConfidencePartial
	if direct {
		score = 60.0
		level = ConfidenceDirect
	}
	if bonus := float64(count) * 5; bonus > 20 {
		score += 20
	} else {
		score += bonus
	}
	if sig := (avg + 120) / 2; sig > 20 {
		score += 20
	} else if sig > 0 {
		score += sig
	}
	if score > 100 {
		score = 100
	}
	s.reliability[gatewayID] = &GatewayReliability{
		Score:           int(score),
		DetectionCount:  count,
		AvgRSSI:         avg,
		ConfidenceLevel: level,
		LastUpdated:     now,
	}
}

// SpecialSnapshot is a deep copy of one special node's durable state.
type SpecialSnapshot struct {
	Info        *NodeRecord
	ChannelName string
	History     []HistoryPoint
	Packets     []PacketArchiveEntry
	Gateways    map[NodeID]GatewayEdge
	LastPacket  float64
}

// ExportSpecial copies out the durable state of every configured special
// node under a single read lock.
func (s *Store) ExportSpecial() map[NodeID]SpecialSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[NodeID]SpecialSnapshot, len(s.opts.SpecialNodes))
	for id := range s.opts.SpecialNodes {
		snap := SpecialSnapshot{LastPacket: s.lastPacketSeen[id]}
		if rec, ok := s.nodes[id]; ok {
			cp := rec.clone()
			snap.Info = &cp
			snap.ChannelName = rec.ChannelName
		}
		if hist := s.history[id]; len(hist) > 0 {
			snap.History = append([]HistoryPoint(nil), hist...)
		}
		if pkts := s.packets[id]; len(pkts) > 0 {
			snap.Packets = append([]PacketArchiveEntry(nil), pkts...)
		}
		if edges := s.gateways[id]; len(edges) > 0 {
			snap.Gateways = make(map[NodeID]GatewayEdge, len(edges))
			for gwID, e := range edges {
				snap.Gateways[gwID] = *e
			}
		}
		if snap.Info == nil && len(snap.History) == 0 && len(snap.Packets) == 0 {
			continue
		}
		out[id] = snap
	}
	return out
}

// PruneArchive drops history points and archived packets older than cutoff.
// Called from the persistence path only; this is the single place the packet
// archive shrinks. Dedup indexes are rebuilt to match the surviving entries.
func (s *Store) PruneArchive(cutoff float64) (removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, hist := range s.history {
		kept := hist[:0]
		for _, pt := range hist {
			if pt.TS >= cutoff {
				kept = append(kept, pt)
			}
		}
		removed += len(hist) - len(kept)
		s.history[id] = kept
	}
	for id, pkts := range s.packets {
		kept := pkts[:0]
		for _, p := range pkts {
			if p.Timestamp >= cutoff {
				kept = append(kept, p)
			}
		}
		removed += len(pkts) - len(kept)
		s.packets[id] = kept
		refs := make(map[uint32]packetRef)
		for i, p := range kept {
			if p.ID == 0 {
				continue
			}
			score := entryScore(p)
			if old, seen := s.pktDedup[id][p.ID]; seen {
				score = old.score
			}
			refs[p.ID] = packetRef{index: i, score: score}
		}
		s.pktDedup[id] = refs
	}
	return removed
}

// RestoreSpecial installs a loaded snapshot for a special node. The caller
// (persistence load) has already reconciled origin and battery against the
// current configuration.
func (s *Store) RestoreSpecial(id NodeID, snap SpecialSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Info != nil {
		rec := s.ensureNodeLocked(id)
		*rec = snap.Info.clone()
		rec.IsSpecial = true
		if cfg, ok := s.opts.SpecialNodes[id]; ok {
			if rec.Label == "" {
				rec.Label = cfg.Label
			}
			rec.HasPowerSensor = cfg.HasPowerSensor
		}
	}
	if len(snap.History) > 0 {
		s.history[id] = append([]HistoryPoint(nil), snap.History...)
		set := make(map[uint32]struct{}, len(snap.History))
		for _, pt := range snap.History {
			if pt.RxTime != 0 {
				set[pt.RxTime] = struct{}{}
			}
		}
		s.posDedup[id] = set
	}
	if len(snap.Packets) > 0 {
		s.packets[id] = append([]PacketArchiveEntry(nil), snap.Packets...)
		refs := make(map[uint32]packetRef, len(snap.Packets))
		for i, p := range snap.Packets {
			if p.ID != 0 {
				refs[p.ID] = packetRef{index: i, score: entryScore(p)}
			}
		}
		s.pktDedup[id] = refs
	}
	if snap.LastPacket > 0 {
		s.lastPacketSeen[id] = snap.LastPacket
	}
	for gwID, edge := range snap.Gateways {
		gw := s.ensureNodeLocked(gwID)
		gw.IsGateway = true
		e := edge
		edges, ok := s.gateways[id]
		if !ok {
			edges = make(map[NodeID]*GatewayEdge)
			s.gateways[id] = edges
		}
		edges[gwID] = &e
		s.allGateways[gwID] = struct{}{}
		s.recomputeReliabilityLocked(gwID, edge.LastSeen)
	}
	if len(snap.Gateways) > 0 {
		s.updateBestGatewayLocked(id)
	}
}

// Counts returns the number of tracked nodes and nodes with a position fix.
func (s *Store) Counts() (nodes, withFix int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.nodes {
		nodes++
		if rec.HasFix() {
			withFix++
		}
	}
	return nodes, withFix
}
