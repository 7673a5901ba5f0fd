package state

import (
	"math"
	"sort"
)

// Status colors derived from packet age.
const (
	StatusBlue   = "blue"
	StatusOrange = "orange"
	StatusRed    = "red"
	StatusGray   = "gray" // never seen
)

// GatewayConnectionView is one gateway edge decorated with the gateway's
// cached reliability metrics.
type GatewayConnectionView struct {
	GatewayID string `json:"gateway_id"`
	GatewayEdge
	Reliability *GatewayReliability `json:"reliability,omitempty"`
}

// BestGatewayView is BestGateway with the ID rendered in topic form.
type BestGatewayView struct {
	GatewayID  string  `json:"gateway_id"`
	Name       string  `json:"name,omitempty"`
	RSSI       int32   `json:"rssi"`
	SNR        float64 `json:"snr"`
	Confidence string  `json:"confidence"`
	LastSeen   float64 `json:"last_seen"`
}

// NodeView is the HTTP-facing projection of one node.
type NodeView struct {
	NodeID string `json:"node_id"`
	NodeRecord
	Status             string                  `json:"status"`
	AgeMin             *int64                  `json:"age_min,omitempty"`
	GatewayConnections []GatewayConnectionView `json:"gateway_connections,omitempty"`
	BestGateway        *BestGatewayView        `json:"best_gateway,omitempty"`
}

// ListNodes builds node views for every known node. With show_all_nodes off,
// only special nodes and gateways are listed. Special nodes that have never
// reported a position are placed at their configured home so they render
// before the first packet.
func (s *Store) ListNodes(now float64) []NodeView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]NodeID, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	views := make([]NodeView, 0, len(ids))
	for _, id := range ids {
		rec := s.nodes[id]
		if !s.opts.ShowAllNodes && !rec.IsSpecial && !rec.IsGateway {
			continue
		}
		if !s.opts.ShowOffline && rec.LastSeen == 0 && !rec.IsSpecial && !rec.IsGateway {
			continue
		}
		views = append(views, s.nodeViewLocked(id, rec, now))
	}
	return views
}

func (s *Store) nodeViewLocked(id NodeID, rec *NodeRecord, now float64) NodeView {
	v := NodeView{
		NodeID:     id.Hex(),
		NodeRecord: rec.clone(),
		Status:     statusColor(rec.LastSeen, now, s.opts.StatusBlueSecs, s.opts.StatusOrangeSecs),
	}
	if rec.LastSeen > 0 {
		age := int64((now - rec.LastSeen) / 60)
		v.AgeMin = &age
	}
	if !rec.HasFix() && rec.OriginLat != nil && rec.OriginLon != nil {
		lat, lon := *rec.OriginLat, *rec.OriginLon
		v.Lat, v.Lon = &lat, &lon
	}
	if rec.IsSpecial {
		if edges, ok := s.gateways[id]; ok && len(edges) > 0 {
			v.GatewayConnections = s.connectionViewsLocked(edges)
		}
		if best, ok := s.bestGateway[id]; ok && best.Confidence == ConfidenceDirect {
			v.BestGateway = &BestGatewayView{
				GatewayID:  best.GatewayID.Hex(),
				Name:       best.Name,
				RSSI:       best.RSSI,
				SNR:        best.SNR,
				Confidence: best.Confidence,
				LastSeen:   best.LastSeen,
			}
		}
	}
	return v
}

func (s *Store) connectionViewsLocked(edges map[NodeID]*GatewayEdge) []GatewayConnectionView {
	out := make([]GatewayConnectionView, 0, len(edges))
	gwIDs := make([]NodeID, 0, len(edges))
	for gwID := range edges {
		gwIDs = append(gwIDs, gwID)
	}
	sort.Slice(gwIDs, func(i, j int) bool { return gwIDs[i] < gwIDs[j] })
	for _, gwID := range gwIDs {
		cv := GatewayConnectionView{
			GatewayID:   gwID.Hex(),
			GatewayEdge: *edges[gwID],
		}
		if rel, ok := s.reliability[gwID]; ok {
			cp := *rel
			cv.Reliability = &cp
		}
		out = append(out, cv)
	}
	return out
}

func statusColor(lastSeen, now, blueSecs, orangeSecs float64) string {
	if lastSeen <= 0 {
		return StatusGray
	}
	age := now - lastSeen
	switch {
	case age < blueSecs:
		return StatusBlue
	case age < orangeSecs:
		return StatusOrange
	default:
		return StatusRed
	}
}

// SpecialHistory returns the node's history limited to the trailing window,
// thinned to at most one point per data_limit_time bucket (the newest in each
// bucket), in ascending time order.
func (s *Store) SpecialHistory(id NodeID, hours float64, now float64) []HistoryPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if hours <= 0 {
		hours = float64(s.opts.HistoryHours)
	}
	cutoff := now - hours*3600
	width := s.opts.DataLimitHours * 3600

	latest := make(map[int64]HistoryPoint)
	for _, pt := range s.history[id] {
		if pt.TS < cutoff {
			continue
		}
		bucket := int64(math.Floor(pt.TS / width))
		if cur, ok := latest[bucket]; !ok || pt.TS > cur.TS {
			latest[bucket] = pt
		}
	}
	out := make([]HistoryPoint, 0, len(latest))
	for _, pt := range latest {
		out = append(out, pt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out
}

// SpecialPackets returns the newest-first tail of a node's packet archive.
// limit <= 0 means no limit.
func (s *Store) SpecialPackets(id NodeID, limit int) []PacketArchiveEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return packetTail(s.packets[id], limit)
}

// AllSpecialPackets returns per-node archive tails keyed by topic-form ID.
func (s *Store) AllSpecialPackets(limit int) map[string][]PacketArchiveEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]PacketArchiveEntry)
	for id := range s.opts.SpecialNodes {
		if pkts := s.packets[id]; len(pkts) > 0 {
			out[id.Hex()] = packetTail(pkts, limit)
		}
	}
	return out
}

func packetTail(pkts []PacketArchiveEntry, limit int) []PacketArchiveEntry {
	out := append([]PacketArchiveEntry(nil), pkts...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GatewayConnections returns every edge for one special node, or for all
// special nodes when id is nil, keyed by topic-form IDs.
func (s *Store) GatewayConnections(id *NodeID) map[string][]GatewayConnectionView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]GatewayConnectionView)
	if id != nil {
		if edges, ok := s.gateways[*id]; ok && len(edges) > 0 {
			out[id.Hex()] = s.connectionViewsLocked(edges)
		}
		return out
	}
	for specialID, edges := range s.gateways {
		if len(edges) > 0 {
			out[specialID.Hex()] = s.connectionViewsLocked(edges)
		}
	}
	return out
}

// GatewayListEntry is one known gateway and the special nodes observing it.
type GatewayListEntry struct {
	GatewayID   string              `json:"gateway_id"`
	Name        string              `json:"name,omitempty"`
	Lat         *float64            `json:"lat,omitempty"`
	Lon         *float64            `json:"lon,omitempty"`
	LastSeen    float64             `json:"last_seen,omitempty"`
	Reliability *GatewayReliability `json:"reliability,omitempty"`
	ObservedBy  []string            `json:"observed_by,omitempty"`
}

// AllGateways lists every node marked as a gateway.
func (s *Store) AllGateways() []GatewayListEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gwIDs := make([]NodeID, 0, len(s.allGateways))
	for id := range s.allGateways {
		gwIDs = append(gwIDs, id)
	}
	sort.Slice(gwIDs, func(i, j int) bool { return gwIDs[i] < gwIDs[j] })

	out := make([]GatewayListEntry, 0, len(gwIDs))
	for _, gwID := range gwIDs {
		entry := GatewayListEntry{GatewayID: gwID.Hex()}
		if rec, ok := s.nodes[gwID]; ok {
			entry.Name = rec.LongName
			entry.Lat, entry.Lon = rec.Lat, rec.Lon
			entry.LastSeen = rec.LastSeen
		}
		if rel, ok := s.reliability[gwID]; ok {
			cp := *rel
			entry.Reliability = &cp
		}
		for _, specialID := range s.SpecialIDs() {
			if _, ok := s.gateways[specialID][gwID]; ok {
				entry.ObservedBy = append(entry.ObservedBy, specialID.Hex())
			}
		}
		out = append(out, entry)
	}
	return out
}
