package state

// SignalScore ranks duplicate copies of the same packet heard by different
// gateways. Direct reception dominates everything; SNR and RSSI break ties
// between copies of equal directness.
func SignalScore(direct bool, snr float64, rssi int32) float64 {
	score := 0.0
	if direct {
		score += 1000
	}
	if s := (snr + 20) * 2.5; s > 0 {
		if s > 50 {
			s = 50
		}
		score += s
	}
	if r := float64(rssi) + 120; r > 0 {
		if r > 40 {
			r = 40
		}
		score += r
	}
	return score
}

// entryScore re-derives the stored copy's score from its archived radio
// fields when the dedup index is rebuilt.
func entryScore(e PacketArchiveEntry) float64 {
	direct := e.HopStart != nil && e.HopLimit != nil &&
		*e.HopStart != 0 && *e.HopStart == *e.HopLimit
	return SignalScore(direct, e.RxSNR, e.RxRSSI)
}
