// debug-packet decodes hex-encoded ServiceEnvelope payloads from the command
// line or stdin and prints what the ingest pipeline would see. Useful for
// poking at packets captured with mosquitto_sub -F %x.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/buoy-tracker/mesh-ingester/internal/mesh"
	"github.com/buoy-tracker/mesh-ingester/internal/state"
)

func main() {
	key := ""
	topic := "msh/US/0/e/LongFast/!00000000"
	args := os.Args[1:]
flags:
	for len(args) >= 2 {
		switch args[0] {
		case "--key":
			key = args[1]
			args = args[2:]
		case "--topic":
			topic = args[1]
			args = args[2:]
		default:
			break flags
		}
	}

	codec, err := mesh.NewCodec(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "channel key: %v\n", err)
		os.Exit(1)
	}

	if len(args) > 0 {
		for _, arg := range args {
			analyze(codec, topic, arg)
		}
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		analyze(codec, topic, line)
	}
}

func analyze(codec *mesh.Codec, topic, hexPayload string) {
	raw, err := hex.DecodeString(strings.ReplaceAll(hexPayload, " ", ""))
	if err != nil {
		fmt.Fprintf(os.Stderr, "not hex: %v\n", err)
		return
	}
	fmt.Printf("=== envelope (%d bytes) ===\n", len(raw))

	pkt, err := codec.Decode(topic, raw)
	if err != nil {
		fmt.Printf("  decode error: %v\n", err)
		return
	}

	fmt.Printf("  from:     %s\n", state.NodeID(pkt.From).Hex())
	fmt.Printf("  to:       %s\n", state.NodeID(pkt.To).Hex())
	fmt.Printf("  id:       0x%08x\n", pkt.ID)
	fmt.Printf("  port:     %s (%d)\n", pkt.PortName, pkt.PortNum)
	fmt.Printf("  channel:  %d (%q from topic)\n", pkt.Channel, pkt.ChannelName)
	fmt.Printf("  hops:     start=%d limit=%d direct=%v\n", pkt.HopStart, pkt.HopLimit, pkt.Direct())
	fmt.Printf("  radio:    rssi=%d snr=%.2f rx_time=%d\n", pkt.RxRSSI, pkt.RxSNR, pkt.RxTime)
	if pkt.HasGateway {
		fmt.Printf("  gateway:  %s\n", state.NodeID(pkt.GatewayID).Hex())
	}

	switch pl := pkt.Payload.(type) {
	case mesh.PositionPayload:
		if pl.HasFix {
			fmt.Printf("  position: %.7f, %.7f alt=%d time=%d\n", pl.Lat, pl.Lon, pl.Alt, pl.Time)
		} else {
			fmt.Printf("  position: no fix\n")
		}
	case mesh.UserPayload:
		fmt.Printf("  user:     %q / %q hw=%s role=%s\n", pl.LongName, pl.ShortName, pl.HwModel, pl.Role)
	case mesh.TelemetryPayload:
		if pl.Device != nil {
			fmt.Printf("  device:   battery=%v voltage=%v chan_util=%v\n",
				deref(pl.Device.BatteryLevel), deref(pl.Device.Voltage), deref(pl.Device.ChannelUtilization))
		}
		if pl.Power != nil {
			fmt.Printf("  power:    ch1=%vV ch2=%vV ch3=%vV\n",
				deref(pl.Power.Ch1Voltage), deref(pl.Power.Ch2Voltage), deref(pl.Power.Ch3Voltage))
		}
	case mesh.MapReportPayload:
		fmt.Printf("  map:      %q fw=%s region=%s preset=%s\n",
			pl.LongName, pl.FirmwareVersion, pl.Region, mesh.ModemPresetName(pl.ModemPreset))
	case mesh.NeighborInfoPayload:
		fmt.Printf("  neighbors: node=%s count=%d\n", state.NodeID(pl.NodeID).Hex(), pl.NeighborCount)
	default:
		fmt.Printf("  payload:  (no decoder)\n")
	}
}

func deref[T any](p *T) any {
	if p == nil {
		return "-"
	}
	return *p
}
