package gate

import "time"

// RenewalPeriod is the validity extension granted by one renewal. The
// same period is auto-granted on first activation.
const RenewalPeriod = 30 * 24 * time.Hour

// Usable reports whether a provider's tools are unlocked: the provider
// must be active AND hold an end date strictly in the future. An end
// date exactly equal to now is expired. Callers must evaluate this with
// fresh wall-clock time on every request; the result is never stored.
func Usable(active bool, end *time.Time, now time.Time) bool {
	return active && end != nil && end.After(now)
}

// Renew returns the end date after one renewal: the period is added to
// the current end date when it is still in the future, otherwise to
// now. A lapsed provider does not get credit for the lapsed time.
func Renew(end *time.Time, now time.Time) time.Time {
	base := now
	if end != nil && end.After(now) {
		base = *end
	}
	return base.Add(RenewalPeriod)
}
