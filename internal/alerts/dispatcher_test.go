package alerts

import (
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/buoy-tracker/mesh-ingester/internal/state"
)

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) Send(subject, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, subject)
	return nil
}

const buoyID = state.NodeID(0x4049c6f4)

func newDispatcher(sender Sender, cooldown time.Duration) *Dispatcher {
	specials := map[state.NodeID]state.SpecialNodeConfig{buoyID: {Label: "North Buoy"}}
	return NewDispatcher(true, cooldown, "https://tracker.example.com", specials, sender, zap.NewNop())
}

func rec() state.NodeRecord { return state.NodeRecord{Label: "North Buoy"} }

func TestCooldownSuppressesRepeat(t *testing.T) {
	sender := &fakeSender{}
	d := newDispatcher(sender, time.Hour)
	base := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return base }

	// two crossings 10 s apart, one alert
	d.Notify("movement", buoyID, rec(), 120)
	d.now = func() time.Time { return base.Add(10 * time.Second) }
	d.Notify("movement", buoyID, rec(), 120)

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d alerts, want exactly 1", len(sender.sent))
	}
}

func TestCooldownExpires(t *testing.T) {
	sender := &fakeSender{}
	d := newDispatcher(sender, time.Hour)
	base := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return base }
	d.Notify("movement", buoyID, rec(), 120)
	d.now = func() time.Time { return base.Add(time.Hour + time.Second) }
	d.Notify("movement", buoyID, rec(), 120)

	if len(sender.sent) != 2 {
		t.Fatalf("sent %d alerts, want 2 across cooldown boundary", len(sender.sent))
	}
}

func TestKindsCoolDownIndependently(t *testing.T) {
	sender := &fakeSender{}
	d := newDispatcher(sender, time.Hour)
	d.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	d.Notify("movement", buoyID, rec(), 120)
	d.Notify("battery", buoyID, rec(), 12)
	if len(sender.sent) != 2 {
		t.Fatalf("sent %d alerts, want one per kind", len(sender.sent))
	}
}

func TestDisabledDispatcherSendsNothing(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(false, time.Hour, "", nil, sender, zap.NewNop())
	d.Notify("movement", buoyID, rec(), 120)
	if len(sender.sent) != 0 {
		t.Errorf("disabled dispatcher sent alerts")
	}
}

func TestFailedSendDoesNotAdvanceCooldown(t *testing.T) {
	sender := &fakeSender{err: errors.New("relay down")}
	d := newDispatcher(sender, time.Hour)
	base := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return base }
	d.Notify("movement", buoyID, rec(), 120)

	// relay recovers 10 s later; the alert must go out despite the cooldown
	sender.err = nil
	d.now = func() time.Time { return base.Add(10 * time.Second) }
	d.Notify("movement", buoyID, rec(), 120)

	if len(sender.sent) != 1 {
		t.Fatalf("retry after failure did not send: %v", sender.sent)
	}
}

func TestCooldownGC(t *testing.T) {
	sender := &fakeSender{}
	d := newDispatcher(sender, time.Hour)
	base := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return base }
	d.Notify("movement", buoyID, rec(), 120)
	// an unconfigured node sneaks an entry in
	d.lastSent[cooldownKey{id: 99, kind: "movement"}] = base

	// four hours later a fresh alert triggers GC: both old entries go
	d.now = func() time.Time { return base.Add(4 * time.Hour) }
	d.Notify("battery", buoyID, rec(), 12)

	if _, ok := d.lastSent[cooldownKey{id: buoyID, kind: "movement"}]; ok {
		t.Errorf("expired cooldown entry survived GC")
	}
	if _, ok := d.lastSent[cooldownKey{id: 99, kind: "movement"}]; ok {
		t.Errorf("unconfigured node cooldown survived GC")
	}
	if _, ok := d.lastSent[cooldownKey{id: buoyID, kind: "battery"}]; !ok {
		t.Errorf("fresh cooldown entry dropped by GC")
	}
}

func TestRenderMovement(t *testing.T) {
	d := newDispatcher(&fakeSender{}, time.Hour)
	r := rec()
	lat, lon := 37.58, -122.22
	r.Lat, r.Lon = &lat, &lon
	subject, body := d.render("movement", buoyID, r, 1813)
	if !strings.Contains(subject, "North Buoy") || !strings.Contains(subject, "1813") {
		t.Errorf("subject = %q", subject)
	}
	if !strings.Contains(body, "37.58") || !strings.Contains(body, "tracker.example.com") {
		t.Errorf("body = %q", body)
	}
}

func TestRenderBatteryVoltageVsPercent(t *testing.T) {
	d := newDispatcher(&fakeSender{}, time.Hour)
	_, pctBody := d.render("battery", buoyID, rec(), 12)
	if !strings.Contains(pctBody, "12%") {
		t.Errorf("percent body = %q", pctBody)
	}
	_, voltBody := d.render("battery", buoyID, rec(), 3.4)
	if !strings.Contains(voltBody, "3.40 V") {
		t.Errorf("voltage body = %q", voltBody)
	}
}
