// Package alerts rate-limits threshold crossings and delivers them over
// SMTP. The dispatcher is called from the processor goroutine only, so the
// cooldown map needs no locking.
package alerts

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/buoy-tracker/mesh-ingester/internal/metrics"
	"github.com/buoy-tracker/mesh-ingester/internal/state"
)

// Sender delivers one rendered alert message.
type Sender interface {
	Send(subject, body string) error
}

type cooldownKey struct {
	id   state.NodeID
	kind string
}

// Dispatcher applies the per-(node, kind) cooldown and renders messages.
type Dispatcher struct {
	enabled    bool
	cooldown   time.Duration
	trackerURL string
	specials   map[state.NodeID]state.SpecialNodeConfig
	sender     Sender
	logger     *zap.Logger
	now        func() time.Time

	lastSent map[cooldownKey]time.Time
}

func NewDispatcher(enabled bool, cooldown time.Duration, trackerURL string, specials map[state.NodeID]state.SpecialNodeConfig, sender Sender, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		enabled:    enabled,
		cooldown:   cooldown,
		trackerURL: trackerURL,
		specials:   specials,
		sender:     sender,
		logger:     logger,
		now:        time.Now,
		lastSent:   make(map[cooldownKey]time.Time),
	}
}

// Notify sends an alert unless disabled or still cooling down. A failed send
// leaves the cooldown untouched so the next crossing retries.
func (d *Dispatcher) Notify(kind string, id state.NodeID, rec state.NodeRecord, value float64) {
	if !d.enabled {
		metrics.AlertsTotal.WithLabelValues(kind, "disabled").Inc()
		return
	}
	now := d.now()
	key := cooldownKey{id: id, kind: kind}
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.cooldown {
		metrics.AlertsTotal.WithLabelValues(kind, "cooldown").Inc()
		return
	}

	subject, body := d.render(kind, id, rec, value)
	if err := d.sender.Send(subject, body); err != nil {
		metrics.AlertsTotal.WithLabelValues(kind, "error").Inc()
		d.logger.Error("alert delivery failed",
			zap.String("kind", kind), zap.String("node", id.Hex()), zap.Error(err))
		return
	}
	d.lastSent[key] = now
	d.gc(now)
	metrics.AlertsTotal.WithLabelValues(kind, "sent").Inc()
	d.logger.Info("alert sent",
		zap.String("kind", kind), zap.String("node", id.Hex()), zap.Float64("value", value))
}

// gc drops cooldown entries that can no longer matter: long expired, or for
// nodes that left the configuration.
func (d *Dispatcher) gc(now time.Time) {
	for key, last := range d.lastSent {
		if now.Sub(last) > 3*d.cooldown {
			delete(d.lastSent, key)
			continue
		}
		if _, ok := d.specials[key.id]; !ok {
			delete(d.lastSent, key)
		}
	}
}

func (d *Dispatcher) render(kind string, id state.NodeID, rec state.NodeRecord, value float64) (subject, body string) {
	label := rec.Label
	if label == "" {
		label = id.Hex()
	}
	switch kind {
	case "movement":
		subject = fmt.Sprintf("Buoy alert: %s has moved %.0f m from its anchor point", label, value)
		body = fmt.Sprintf("%s (%s) is %.0f m from its configured home position.\n", label, id.Hex(), value)
		if rec.HasFix() {
			body += fmt.Sprintf("Current position: %.7f, %.7f\n", *rec.Lat, *rec.Lon)
		}
	case "battery":
		subject = fmt.Sprintf("Buoy alert: %s battery low", label)
		if value < 10 { // raw voltage reading from a power sensor
			body = fmt.Sprintf("%s (%s) battery voltage is %.2f V.\n", label, id.Hex(), value)
		} else {
			body = fmt.Sprintf("%s (%s) battery is at %.0f%%.\n", label, id.Hex(), value)
		}
	default:
		subject = fmt.Sprintf("Buoy alert: %s (%s)", kind, label)
		body = fmt.Sprintf("%s (%s): %s = %v\n", label, id.Hex(), kind, value)
	}
	if d.trackerURL != "" {
		body += fmt.Sprintf("\nTracker: %s\n", d.trackerURL)
	}
	return subject, body
}
