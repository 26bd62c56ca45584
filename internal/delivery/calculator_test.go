package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-10-14 is a Wednesday.
func at(day, hour, minute int) time.Time {
	return time.Date(2026, time.October, day, hour, minute, 0, 0, time.UTC)
}

func utcWindow() Window {
	w := DefaultWindow()
	w.Location = time.UTC
	return w
}

func TestNextDeliveryDate(t *testing.T) {
	w := utcWindow()

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"monday before cutoff delivers this friday", at(12, 9, 0), at(16, 9, 0)},
		{"wednesday just before cutoff", at(14, 17, 59), at(16, 9, 0)},
		{"wednesday at cutoff rolls over", at(14, 18, 0), at(23, 9, 0)},
		{"wednesday past cutoff rolls over", at(14, 19, 0), at(23, 9, 0)},
		{"thursday is past cutoff", at(15, 8, 0), at(23, 9, 0)},
		{"friday before delivery hour", at(16, 7, 0), at(23, 9, 0)},
		{"saturday", at(17, 12, 0), at(23, 9, 0)},
		{"sunday before next cutoff", at(18, 12, 0), at(23, 9, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextDeliveryDate(tt.now, w)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.After(tt.now))
			assert.Equal(t, time.Friday, got.Weekday())
			assert.Equal(t, DeliveryHour, got.Hour())
		})
	}
}

func TestNextDeliveryDateDeliveryBeforeCutoffDay(t *testing.T) {
	// Cutoff Wednesday, delivery Monday: Sunday is after Wednesday's cutoff,
	// so tomorrow's Monday is closed.
	w := Window{CutoffDay: time.Wednesday, CutoffHour: 18, DeliveryDay: time.Monday, Location: time.UTC}

	got := NextDeliveryDate(at(18, 12, 0), w)
	assert.Equal(t, at(26, 9, 0), got)

	got = NextDeliveryDate(at(13, 10, 0), w)
	assert.Equal(t, at(19, 9, 0), got)
}

func TestNextDeliveryDateWeekendCutoff(t *testing.T) {
	// Cutoff Friday evening governs the following Monday; the weekend in
	// between is already past it.
	w := Window{CutoffDay: time.Friday, CutoffHour: 18, DeliveryDay: time.Monday, Location: time.UTC}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"friday before cutoff", at(16, 17, 59), at(19, 9, 0)},
		{"friday at cutoff", at(16, 18, 0), at(26, 9, 0)},
		{"saturday", at(17, 10, 0), at(26, 9, 0)},
		{"sunday", at(18, 12, 0), at(26, 9, 0)},
		{"monday before delivery hour", at(19, 8, 0), at(26, 9, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextDeliveryDate(tt.now, w)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, at(16, 18, 0), w.CutoffFor(at(19, 9, 0)))
			assert.False(t, IsOfferable(at(18, 12, 0), w, at(19, 9, 0)))
		})
	}
}

func TestNextDeliveryDateAlwaysValid(t *testing.T) {
	w := utcWindow()
	start := at(1, 0, 0)
	for h := 0; h < 24*21; h += 5 {
		now := start.Add(time.Duration(h) * time.Hour)
		got := NextDeliveryDate(now, w)
		require.True(t, got.After(now), "now=%s got=%s", now, got)
		require.Equal(t, w.DeliveryDay, got.Weekday())
		require.True(t, now.Before(w.CutoffFor(got)), "now=%s cutoff=%s", now, w.CutoffFor(got))
		require.True(t, IsOfferable(now, w, got))
	}
}

func TestOfferableDates(t *testing.T) {
	dates := OfferableDates(at(12, 9, 0), utcWindow(), 3)
	require.Len(t, dates, 3)
	assert.Equal(t, at(16, 9, 0), dates[0])
	assert.Equal(t, at(23, 9, 0), dates[1])
	assert.Equal(t, at(30, 9, 0), dates[2])
	assert.Nil(t, OfferableDates(at(12, 9, 0), utcWindow(), 0))
}

func TestIsOfferable(t *testing.T) {
	w := utcWindow()
	now := at(14, 19, 0)
	assert.False(t, IsOfferable(now, w, at(16, 9, 0)), "cutoff passed")
	assert.True(t, IsOfferable(now, w, at(23, 15, 30)), "any time on an open delivery day")
	assert.False(t, IsOfferable(now, w, at(22, 9, 0)), "not a delivery weekday")
	assert.False(t, IsOfferable(now, w, at(9, 9, 0)), "in the past")
}

func TestCutoffFor(t *testing.T) {
	w := utcWindow()
	assert.Equal(t, at(14, 18, 0), w.CutoffFor(at(16, 9, 0)))

	same := Window{CutoffDay: time.Friday, CutoffHour: 10, DeliveryDay: time.Friday, Location: time.UTC}
	assert.Equal(t, at(9, 10, 0), same.CutoffFor(at(16, 9, 0)))
}

func TestParseWeekday(t *testing.T) {
	tests := map[string]time.Weekday{
		"wednesday": time.Wednesday,
		"Fri":       time.Friday,
		"0":         time.Sunday,
		" 6 ":       time.Saturday,
	}
	for in, want := range tests {
		got, err := ParseWeekday(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseWeekday("7")
	assert.Error(t, err)
	_, err = ParseWeekday("someday")
	assert.Error(t, err)
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("18:30")
	require.NoError(t, err)
	assert.Equal(t, 18, h)
	assert.Equal(t, 30, m)

	_, _, err = ParseClock("25:00")
	assert.Error(t, err)
}

func TestWindowValidate(t *testing.T) {
	assert.NoError(t, DefaultWindow().Validate())
	assert.Error(t, Window{CutoffDay: 9}.Validate())
	assert.Error(t, Window{CutoffHour: 24}.Validate())
}
