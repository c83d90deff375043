package notifier

// Thresholds maps a notification frequency to the number of protocol rounds
// that must elapse between sends. The values are protocol specific (one
// round approximates a day) and come from configuration.
type Thresholds struct {
	Hourly  uint64
	Daily   uint64
	Weekly  uint64
	Monthly uint64
}

// DefaultThresholds returns the production mapping for a protocol whose
// round length approximates one day.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Hourly:  1,
		Daily:   1,
		Weekly:  7,
		Monthly: 30,
	}
}

// Rounds returns the gating threshold for a frequency. Unknown frequencies
// fall back to daily, the most conservative setting that still notifies.
func (t Thresholds) Rounds(f Frequency) uint64 {
	switch f {
	case Hourly:
		return t.Hourly
	case Daily:
		return t.Daily
	case Weekly:
		return t.Weekly
	case Monthly:
		return t.Monthly
	default:
		return t.Daily
	}
}

// IsDue decides whether a subscriber is due a notification this round.
// A subscriber never notified before is always due; otherwise enough rounds
// must have elapsed since the last send. Pure: the caller records the send.
func (t Thresholds) IsDue(f Frequency, lastSent *uint64, currentRound uint64) bool {
	if lastSent == nil {
		return true
	}
	if currentRound < *lastSent {
		return false
	}
	return currentRound-*lastSent >= t.Rounds(f)
}
