// Package delivery computes offerable delivery dates from order-cutoff rules.
//
// A delivery date belongs to the cycle whose cutoff is the latest cutoff
// instant (cutoff weekday at cutoff time) strictly before that date. An order
// placed at or after that cutoff rolls over to the following week.
package delivery

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DeliveryHour is the fixed local time-of-day every delivery date is normalized to.
const DeliveryHour = 9

// Window is the process-wide cutoff configuration. It is loaded once at
// startup and never mutated.
type Window struct {
	CutoffDay    time.Weekday
	CutoffHour   int
	CutoffMinute int
	DeliveryDay  time.Weekday
	Location     *time.Location
}

// DefaultWindow is Wednesday 18:00 cutoff with Friday delivery.
func DefaultWindow() Window {
	return Window{
		CutoffDay:   time.Wednesday,
		CutoffHour:  18,
		DeliveryDay: time.Friday,
		Location:    time.Local,
	}
}

// Validate reports an out-of-range configuration.
func (w Window) Validate() error {
	if w.CutoffDay < time.Sunday || w.CutoffDay > time.Saturday {
		return fmt.Errorf("cutoff day %d out of range 0-6", w.CutoffDay)
	}
	if w.DeliveryDay < time.Sunday || w.DeliveryDay > time.Saturday {
		return fmt.Errorf("delivery day %d out of range 0-6", w.DeliveryDay)
	}
	if w.CutoffHour < 0 || w.CutoffHour > 23 || w.CutoffMinute < 0 || w.CutoffMinute > 59 {
		return fmt.Errorf("cutoff time %02d:%02d is not a valid time of day", w.CutoffHour, w.CutoffMinute)
	}
	return nil
}

func (w Window) loc() *time.Location {
	if w.Location == nil {
		return time.Local
	}
	return w.Location
}

// CutoffFor returns the cutoff instant governing the given delivery date.
func (w Window) CutoffFor(deliveryDate time.Time) time.Time {
	d := deliveryDate.In(w.loc())
	back := (int(d.Weekday()) - int(w.CutoffDay) + 7) % 7
	c := time.Date(d.Year(), d.Month(), d.Day()-back, w.CutoffHour, w.CutoffMinute, 0, 0, w.loc())
	if !c.Before(d) {
		c = c.AddDate(0, 0, -7)
	}
	return c
}

// NextDeliveryDate returns the earliest delivery date still open to an order
// placed at now. The result is strictly after now, falls on the delivery
// weekday and is normalized to DeliveryHour.
func NextDeliveryDate(now time.Time, w Window) time.Time {
	now = now.In(w.loc())
	days := (int(w.DeliveryDay) - int(now.Weekday()) + 7) % 7
	d := time.Date(now.Year(), now.Month(), now.Day()+days, DeliveryHour, 0, 0, 0, w.loc())
	if !d.After(now) {
		d = d.AddDate(0, 0, 7)
	}
	// past cutoff: this cycle is closed, move to the next occurrence
	for !now.Before(w.CutoffFor(d)) {
		d = d.AddDate(0, 0, 7)
	}
	return d
}

// OfferableDates returns the next n delivery dates open at now.
func OfferableDates(now time.Time, w Window, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	d := NextDeliveryDate(now, w)
	for i := 0; i < n; i++ {
		out = append(out, d)
		d = d.AddDate(0, 0, 7)
	}
	return out
}

// Normalize maps any instant on a delivery day to that day's DeliveryHour.
func Normalize(date time.Time, w Window) time.Time {
	d := date.In(w.loc())
	return time.Date(d.Year(), d.Month(), d.Day(), DeliveryHour, 0, 0, 0, w.loc())
}

// IsOfferable reports whether date can still be offered to an order placed at now.
func IsOfferable(now time.Time, w Window, date time.Time) bool {
	d := Normalize(date, w)
	if d.Weekday() != w.DeliveryDay || !d.After(now) {
		return false
	}
	return now.Before(w.CutoffFor(d))
}

// ParseWeekday accepts full or three-letter English day names or 0-6.
func ParseWeekday(v string) (time.Weekday, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("weekday %d out of range 0-6", n)
		}
		return time.Weekday(n), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", v)
}

// ParseClock parses "HH:MM".
func ParseClock(v string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q: %w", v, err)
	}
	return t.Hour(), t.Minute(), nil
}
