// Package persist owns the durable snapshot of special-node state: a single
// JSON document, atomically replaced, coalesced to at most one write per
// interval. In-memory state stays authoritative; the file is only read at
// startup.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/buoy-tracker/mesh-ingester/internal/ingest"
	"github.com/buoy-tracker/mesh-ingester/internal/metrics"
	"github.com/buoy-tracker/mesh-ingester/internal/state"
)

const (
	minSaveInterval  = 5 * time.Second
	defaultRetention = 7 * 24 * time.Hour
)

type nodeDoc struct {
	Info            *infoDoc                   `json:"info,omitempty"`
	PositionHistory []state.HistoryPoint       `json:"position_history,omitempty"`
	Packets         []state.PacketArchiveEntry `json:"packets,omitempty"`
	LastPacket      float64                    `json:"last_packet,omitempty"`
}

type infoDoc struct {
	state.NodeRecord
	GatewayConnections map[string]state.GatewayEdge `json:"gateway_connections,omitempty"`
}

// Manager schedules snapshot writes and performs the startup load.
type Manager struct {
	path          string
	store         *state.Store
	logger        *zap.Logger
	retention     time.Duration
	specials      map[state.NodeID]state.SpecialNodeConfig
	moveThreshold float64

	reqs     chan bool
	lastSave time.Time
}

func NewManager(path string, store *state.Store, specials map[state.NodeID]state.SpecialNodeConfig, moveThresholdM float64, retentionDays int, logger *zap.Logger) *Manager {
	retention := defaultRetention
	if retentionDays > 0 {
		retention = time.Duration(retentionDays) * 24 * time.Hour
	}
	return &Manager{
		path:          path,
		store:         store,
		logger:        logger,
		retention:     retention,
		specials:      specials,
		moveThreshold: moveThresholdM,
		reqs:          make(chan bool, 1),
	}
}

// RequestSave asks for a snapshot. Requests within the coalescing interval
// are merged; force requests skip the interval.
func (m *Manager) RequestSave(force bool) {
	select {
	case m.reqs <- force:
	default:
		if force {
			// replace a pending soft request with a forced one
			select {
			case <-m.reqs:
			default:
			}
			select {
			case m.reqs <- true:
			default:
			}
		}
	}
}

// Run services save requests until cancellation, then writes one final
// snapshot unconditionally.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if err := m.Save(); err != nil {
				m.logger.Warn("final snapshot failed", zap.Error(err))
			}
			return
		case force := <-m.reqs:
			if !force {
				if wait := minSaveInterval - time.Since(m.lastSave); wait > 0 {
					t := time.NewTimer(wait)
					select {
					case <-ctx.Done():
						t.Stop()
						if err := m.Save(); err != nil {
							m.logger.Warn("final snapshot failed", zap.Error(err))
						}
						return
					case <-t.C:
					}
				}
			}
			// absorb requests that piled up while waiting
			for {
				select {
				case <-m.reqs:
					continue
				default:
				}
				break
			}
			if err := m.Save(); err != nil {
				m.logger.Warn("snapshot failed", zap.Error(err))
			}
		}
	}
}

// Save prunes the archive to the retention window and atomically replaces
// the snapshot file.
func (m *Manager) Save() error {
	start := time.Now()
	cutoff := float64(start.Add(-m.retention).UnixNano()) / 1e9
	if removed := m.store.PruneArchive(cutoff); removed > 0 {
		m.logger.Debug("pruned archive before save", zap.Int("removed", removed))
	}

	snap := m.store.ExportSpecial()
	doc := make(map[string]nodeDoc, len(snap))
	for id, s := range snap {
		nd := nodeDoc{
			PositionHistory: s.History,
			Packets:         s.Packets,
			LastPacket:      s.LastPacket,
		}
		if s.Info != nil {
			info := &infoDoc{NodeRecord: *s.Info}
			if len(s.Gateways) > 0 {
				info.GatewayConnections = make(map[string]state.GatewayEdge, len(s.Gateways))
				for gwID, edge := range s.Gateways {
					info.GatewayConnections[gwID.Hex()] = edge
				}
			}
			nd.Info = info
		}
		doc[id.Hex()] = nd
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		metrics.SnapshotSavesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if err := writeAtomic(m.path, data); err != nil {
		metrics.SnapshotSavesTotal.WithLabelValues("error").Inc()
		return err
	}
	m.lastSave = time.Now()
	metrics.SnapshotSavesTotal.WithLabelValues("ok").Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	m.logger.Debug("snapshot written", zap.String("path", m.path), zap.Int("nodes", len(doc)))
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// Load restores special-node state from the snapshot file. Missing or
// malformed files leave the store empty; this never fails startup.
func (m *Manager) Load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("cannot read snapshot", zap.String("path", m.path), zap.Error(err))
		}
		return
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		m.logger.Warn("snapshot is not valid JSON, starting empty", zap.Error(err))
		return
	}

	restored := 0
	for key, raw := range doc {
		id, err := parseSnapshotNodeID(key)
		if err != nil {
			m.logger.Warn("skipping snapshot entry", zap.String("key", key), zap.Error(err))
			continue
		}
		var nd nodeDoc
		if err := json.Unmarshal(normalizeKeys(raw), &nd); err != nil {
			m.logger.Warn("skipping malformed snapshot entry", zap.String("key", key), zap.Error(err))
			continue
		}
		m.store.RestoreSpecial(id, m.reconcile(id, nd))
		restored++
	}
	m.logger.Info("snapshot restored", zap.String("path", m.path), zap.Int("nodes", restored))
}

// reconcile overlays current configuration on a loaded record: home position
// wins over whatever was stored, derived fields are recomputed, and gaps from
// older snapshots are filled in.
func (m *Manager) reconcile(id state.NodeID, nd nodeDoc) state.SpecialSnapshot {
	snap := state.SpecialSnapshot{
		History:    nd.PositionHistory,
		Packets:    nd.Packets,
		LastPacket: nd.LastPacket,
	}
	if nd.Info == nil {
		return snap
	}
	rec := nd.Info.NodeRecord

	if cfg, ok := m.specials[id]; ok && cfg.HomeLat != nil && cfg.HomeLon != nil {
		lat, lon := *cfg.HomeLat, *cfg.HomeLon
		rec.OriginLat, rec.OriginLon = &lat, &lon
		rec.DistanceFromOriginM = nil
		rec.MovedFar = false
		if rec.HasFix() {
			if dist, ok := ingest.Haversine(lat, lon, *rec.Lat, *rec.Lon); ok {
				rec.DistanceFromOriginM = &dist
				rec.MovedFar = m.moveThreshold > 0 && dist >= m.moveThreshold
			}
		}
	}
	if rec.LastPositionUpdate == nil && len(nd.PositionHistory) > 0 {
		ts := nd.PositionHistory[len(nd.PositionHistory)-1].TS
		rec.LastPositionUpdate = &ts
	}
	if rec.Battery == nil && rec.Voltage != nil {
		b := ingest.BatteryFromVoltage(*rec.Voltage)
		rec.Battery = &b
	}
	snap.Info = &rec

	if len(nd.Info.GatewayConnections) > 0 {
		snap.Gateways = make(map[state.NodeID]state.GatewayEdge, len(nd.Info.GatewayConnections))
		for key, edge := range nd.Info.GatewayConnections {
			gwID, err := parseSnapshotNodeID(key)
			if err != nil {
				continue
			}
			snap.Gateways[gwID] = edge
		}
	}
	return snap
}

func parseSnapshotNodeID(key string) (state.NodeID, error) {
	s := strings.TrimSpace(key)
	if h, ok := strings.CutPrefix(s, "!"); ok {
		v, err := strconv.ParseUint(h, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid node id %q", key)
		}
		return state.NodeID(v), nil
	}
	if v, err := strconv.ParseUint(s, 10, 32); err == nil {
		return state.NodeID(v), nil
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q", key)
	}
	return state.NodeID(v), nil
}
