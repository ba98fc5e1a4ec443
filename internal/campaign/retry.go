package campaign

import (
	"time"

	"github.com/dialhq/dialcore/internal/config"
)

// OffPeakWindow shifts retry times into a preferred daily window. A zero
// window performs no shifting.
type OffPeakWindow struct {
	start time.Duration // offset from midnight
	end   time.Duration
	loc   *time.Location
	days  map[time.Weekday]bool // nil means every day
}

// NewOffPeakWindow parses the configured window. Invalid config disables
// shifting rather than failing startup.
func NewOffPeakWindow(cfg config.OffPeakConfig) OffPeakWindow {
	if cfg.Start == "" || cfg.End == "" {
		return OffPeakWindow{}
	}
	start, ok1 := parseClock(cfg.Start)
	end, ok2 := parseClock(cfg.End)
	if !ok1 || !ok2 {
		return OffPeakWindow{}
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	w := OffPeakWindow{start: start, end: end, loc: loc}
	if len(cfg.DaysOfWeek) > 0 {
		w.days = make(map[time.Weekday]bool, len(cfg.DaysOfWeek))
		for _, d := range cfg.DaysOfWeek {
			w.days[time.Weekday(d % 7)] = true
		}
	}
	return w
}

func parseClock(s string) (time.Duration, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, true
}

func (w OffPeakWindow) enabled() bool { return w.loc != nil }

func (w OffPeakWindow) dayAllowed(d time.Weekday) bool {
	return w.days == nil || w.days[d]
}

// contains reports whether t falls inside the window. A window that wraps
// midnight (start > end) covers [start, 24h) plus [0, end).
func (w OffPeakWindow) contains(t time.Time) bool {
	local := t.In(w.loc)
	offset := time.Duration(local.Hour())*time.Hour + time.Duration(local.Minute())*time.Minute
	if w.start <= w.end {
		return w.dayAllowed(local.Weekday()) && offset >= w.start && offset < w.end
	}
	if offset >= w.start {
		return w.dayAllowed(local.Weekday())
	}
	if offset < w.end {
		// Early-morning tail belongs to the previous day's window.
		return w.dayAllowed(local.Add(-24 * time.Hour).Weekday())
	}
	return false
}

// NextRetryTime returns base when it already falls in the window (or no
// window is configured), otherwise the next window opening at or after base.
func (w OffPeakWindow) NextRetryTime(base time.Time) time.Time {
	if !w.enabled() || w.contains(base) {
		return base
	}
	local := base.In(w.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.loc)
	for i := 0; i < 8; i++ {
		open := day.Add(w.start)
		if !open.Before(local) && w.dayAllowed(open.Weekday()) {
			return open
		}
		day = day.AddDate(0, 0, 1)
	}
	return base
}
