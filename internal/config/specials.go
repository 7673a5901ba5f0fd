package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/buoy-tracker/mesh-ingester/internal/state"
)

// Special node entries read as `node_id: label[,home_lat,home_lon[,power]]`.
// Node IDs accept the topic form "!a1b2c3d4", bare hex, or decimal.

func parseNodeID(s string) (state.NodeID, error) {
	s = strings.TrimSpace(s)
	if h, ok := strings.CutPrefix(s, "!"); ok {
		v, err := strconv.ParseUint(h, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("config: invalid node id %q: %w", s, err)
		}
		return state.NodeID(v), nil
	}
	if v, err := strconv.ParseUint(s, 10, 32); err == nil {
		return state.NodeID(v), nil
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("config: invalid node id %q", s)
	}
	return state.NodeID(v), nil
}

// degMinRe matches coordinates like `N37° 33.81'` or `W 122° 13.139'`.
var degMinRe = regexp.MustCompile(`^([NSEW])\s*(\d+)°?\s*(\d+(?:\.\d+)?)'?$`)

// ParseCoordinate accepts a decimal degree string or a hemisphere
// degree-minute string like `N37° 33.81'`.
func ParseCoordinate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	m := degMinRe.FindStringSubmatch(strings.ToUpper(s))
	if m == nil {
		return 0, fmt.Errorf("config: cannot parse coordinate %q", s)
	}
	deg, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, fmt.Errorf("config: cannot parse coordinate %q: %w", s, err)
	}
	min, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, fmt.Errorf("config: cannot parse coordinate %q: %w", s, err)
	}
	if min >= 60 {
		return 0, fmt.Errorf("config: minutes out of range in %q", s)
	}
	v := deg + min/60
	if m[1] == "S" || m[1] == "W" {
		v = -v
	}
	return v, nil
}

// ParseSpecialNodes resolves the special_nodes section into typed per-node
// settings.
func (c *Config) ParseSpecialNodes() (map[state.NodeID]state.SpecialNodeConfig, error) {
	out := make(map[state.NodeID]state.SpecialNodeConfig, len(c.SpecialNodes))
	for key, raw := range c.SpecialNodes {
		id, err := parseNodeID(key)
		if err != nil {
			return nil, err
		}
		parts := strings.Split(raw, ",")
		cfg := state.SpecialNodeConfig{Label: strings.TrimSpace(parts[0])}
		if cfg.Label == "" {
			return nil, fmt.Errorf("config: special node %s has an empty label", key)
		}
		rest := parts[1:]
		if len(rest) > 0 && strings.EqualFold(strings.TrimSpace(rest[len(rest)-1]), "power") {
			cfg.HasPowerSensor = true
			rest = rest[:len(rest)-1]
		}
		switch len(rest) {
		case 0:
		case 2:
			lat, err := ParseCoordinate(rest[0])
			if err != nil {
				return nil, fmt.Errorf("config: special node %s home latitude: %w", key, err)
			}
			lon, err := ParseCoordinate(rest[1])
			if err != nil {
				return nil, fmt.Errorf("config: special node %s home longitude: %w", key, err)
			}
			if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
				return nil, fmt.Errorf("config: special node %s home position out of range", key)
			}
			cfg.HomeLat, cfg.HomeLon = &lat, &lon
		default:
			return nil, fmt.Errorf("config: special node %s: want label[,lat,lon[,power]], got %q", key, raw)
		}
		out[id] = cfg
	}
	return out, nil
}
