// Package http serves the read-side API over the state store plus the usual
// health and metrics endpoints. Handlers never mutate state.
package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/buoy-tracker/mesh-ingester/internal/config"
	"github.com/buoy-tracker/mesh-ingester/internal/ingest"
	"github.com/buoy-tracker/mesh-ingester/internal/mqtt"
	"github.com/buoy-tracker/mesh-ingester/internal/state"
)

// BrokerStatus reports the MQTT liveness classification.
type BrokerStatus interface {
	Status() string
}

// IngestStats exposes processor counters to the status surface.
type IngestStats interface {
	PacketsReceived() uint64
	RecentMessages() []ingest.RecentMessage
}

type Server struct {
	srv      *http.Server
	store    *state.Store
	broker   BrokerStatus
	stats    IngestStats
	features config.FeaturesConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewServer(addr string, store *state.Store, broker BrokerStatus, stats IngestStats, features config.FeaturesConfig, logger *zap.Logger) *Server {
	s := &Server{
		store:    store,
		broker:   broker,
		stats:    stats,
		features: features,
		logger:   logger,
		now:      time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/nodes", s.handleNodes)
	mux.HandleFunc("/api/special/history", s.handleSpecialHistory)
	mux.HandleFunc("/api/special/packets", s.handleSpecialPackets)
	mux.HandleFunc("/api/gateways", s.handleGateways)
	mux.HandleFunc("/api/gateway_connections", s.handleGatewayConnections)
	mux.HandleFunc("/api/recent", s.handleRecent)
	mux.HandleFunc("/api/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encoding failed", zap.Error(err))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	broker := StatusUnknown
	if s.broker != nil {
		broker = s.broker.Status()
	}
	ready := broker != mqtt.StatusDisconnected
	status, httpStatus := "ready", http.StatusOK
	if !ready {
		status, httpStatus = "not_ready", http.StatusServiceUnavailable
	}
	s.writeJSON(w, httpStatus, map[string]any{
		"status": status,
		"checks": map[string]string{"mqtt": broker},
	})
}

// StatusUnknown is reported before the broker client exists.
const StatusUnknown = "unknown"

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	now := float64(s.now().UnixNano()) / 1e9
	s.writeJSON(w, http.StatusOK, map[string]any{
		"nodes": s.store.ListNodes(now),
	})
}

// parseNodeID accepts "!hex" or decimal query values.
func parseNodeID(raw string) (state.NodeID, bool) {
	if raw == "" {
		return 0, false
	}
	if raw[0] == '!' {
		v, err := strconv.ParseUint(raw[1:], 16, 32)
		if err != nil {
			return 0, false
		}
		return state.NodeID(v), true
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, false
	}
	return state.NodeID(v), true
}

func (s *Server) handleSpecialHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := parseNodeID(r.URL.Query().Get("node_id"))
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "node_id is required"})
		return
	}
	if !s.store.IsSpecial(id) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not a special node"})
		return
	}
	hours := 0.0
	if raw := r.URL.Query().Get("hours"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid hours"})
			return
		}
		hours = v
	}
	now := float64(s.now().UnixNano()) / 1e9
	s.writeJSON(w, http.StatusOK, map[string]any{
		"node_id": id.Hex(),
		"history": s.store.SpecialHistory(id, hours, now),
	})
}

func (s *Server) handleSpecialPackets(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = v
	}
	if raw := r.URL.Query().Get("node_id"); raw != "" {
		id, ok := parseNodeID(raw)
		if !ok || !s.store.IsSpecial(id) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not a special node"})
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"node_id": id.Hex(),
			"packets": s.store.SpecialPackets(id, limit),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"packets": s.store.AllSpecialPackets(limit),
	})
}

func (s *Server) handleGateways(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"gateways": s.store.AllGateways(),
	})
}

func (s *Server) handleGatewayConnections(w http.ResponseWriter, r *http.Request) {
	var idPtr *state.NodeID
	if raw := r.URL.Query().Get("node_id"); raw != "" {
		id, ok := parseNodeID(raw)
		if !ok {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid node_id"})
			return
		}
		idPtr = &id
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.store.GatewayConnections(idPtr),
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, _ *http.Request) {
	var recent []ingest.RecentMessage
	if s.stats != nil {
		recent = s.stats.RecentMessages()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(recent),
		"messages": recent,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	broker := StatusUnknown
	if s.broker != nil {
		broker = s.broker.Status()
	}
	nodes, withFix := s.store.Counts()
	resp := map[string]any{
		"mqtt_status":    broker,
		"nodes_tracked":  nodes,
		"nodes_with_fix": withFix,
		"special_nodes":  len(s.store.SpecialIDs()),
		"features": map[string]any{
			"show_all_nodes":       s.features.ShowAllNodes,
			"show_gateways":        s.features.ShowGateways,
			"show_position_trails": s.features.ShowPositionTrails,
			"trail_history_hours":  s.features.TrailHistoryHours,
		},
	}
	if s.stats != nil {
		resp["packets_received"] = s.stats.PacketsReceived()
		resp["recent_messages"] = len(s.stats.RecentMessages())
	}
	s.writeJSON(w, http.StatusOK, resp)
}
