package ingest

// LiPo discharge approximation shared by all battery estimates:
// 2.8 V reads as empty, 4.25 V as full, linear in between.
const (
	batteryEmptyV = 2.8
	batteryFullV  = 4.25
)

// BatteryFromVoltage maps a cell voltage to a 0..100 percentage,
// integer-truncated and clamped.
func BatteryFromVoltage(v float64) int {
	pct := int((v - batteryEmptyV) / (batteryFullV - batteryEmptyV) * 100)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
