// Package capacity admits rack reservations over half-open time windows.
//
// For every rack and every instant, the sum of active reservations covering
// that instant never exceeds the rack's total. Admission checks the peak
// concurrent load over the requested window and commits in the same
// per-rack critical section, so racks never contend with each other.
package capacity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/internal/metrics"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

type rack struct {
	mu           sync.Mutex
	total        int
	reservations []*types.RackReservation
}

// Service tracks capacity per rack.
type Service struct {
	mu    sync.RWMutex // guards racks and index, not rack contents
	racks map[string]*rack
	index map[string]string // reservation id -> rack id

	log     logger.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records admissions on m.
func WithMetrics(m *metrics.Collector) Option { return func(s *Service) { s.metrics = m } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates an empty Service.
func NewService(log logger.Logger, opts ...Option) *Service {
	s := &Service{
		racks: make(map[string]*rack),
		index: make(map[string]string),
		log:   log,
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetCapacity declares a rack or changes its total. Lowering a total below
// existing commitments is allowed; new admissions are judged against it.
func (s *Service) SetCapacity(rackID string, total int) error {
	if rackID == "" {
		return apperr.Invalid("rack_id", "is required")
	}
	if total <= 0 {
		return apperr.Invalid("capacity", "must be positive, got %d", total)
	}
	s.mu.Lock()
	r, ok := s.racks[rackID]
	if !ok {
		s.racks[rackID] = &rack{total: total}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	r.mu.Lock()
	r.total = total
	r.mu.Unlock()
	return nil
}

// Racks returns the configured rack ids with their totals.
func (s *Service) Racks() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.racks))
	for id, r := range s.racks {
		r.mu.Lock()
		out[id] = r.total
		r.mu.Unlock()
	}
	return out
}

func (s *Service) rack(rackID string) (*rack, error) {
	s.mu.RLock()
	r, ok := s.racks[rackID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.Invalid("rack_id", "unknown rack %q", rackID)
	}
	return r, nil
}

// Reserve commits amount on rackID for window. It fails with
// *apperr.CapacityExceededError when the peak committed load over the window
// plus amount would exceed the rack total.
func (s *Service) Reserve(ctx context.Context, rackID string, window types.Window, amount int, batchID string) (types.RackReservation, error) {
	if err := ctx.Err(); err != nil {
		return types.RackReservation{}, err
	}
	if amount <= 0 {
		return types.RackReservation{}, apperr.Invalid("amount", "must be positive, got %d", amount)
	}
	if err := window.Validate(); err != nil {
		return types.RackReservation{}, apperr.Invalid("window", "%v", err)
	}
	r, err := s.rack(rackID)
	if err != nil {
		return types.RackReservation{}, err
	}

	r.mu.Lock()
	committed := peak(r.reservations, window)
	if committed+amount > r.total {
		total := r.total
		r.mu.Unlock()
		s.metrics.RecordReservation(rackID, false, committed)
		s.log.Info("Reservation rejected",
			logger.String("rack_id", rackID),
			logger.Int("committed", committed),
			logger.Int("requested", amount),
			logger.Int("total", total),
		)
		return types.RackReservation{}, &apperr.CapacityExceededError{
			RackID:      rackID,
			WindowStart: window.Start,
			WindowEnd:   window.End,
			Committed:   committed,
			Requested:   amount,
			Total:       total,
		}
	}
	res := &types.RackReservation{
		ID:        types.NewID("res"),
		RackID:    rackID,
		Window:    window,
		Amount:    amount,
		Total:     r.total,
		BatchID:   batchID,
		CreatedAt: s.now(),
	}
	r.reservations = append(r.reservations, res)
	out := *res
	r.mu.Unlock()

	s.mu.Lock()
	s.index[res.ID] = rackID
	s.mu.Unlock()

	s.metrics.RecordReservation(rackID, true, committed+amount)
	s.log.Debug("Reservation admitted",
		logger.String("reservation_id", out.ID),
		logger.String("rack_id", rackID),
		logger.Int("amount", amount),
	)
	return out, nil
}

// Release returns a reservation's capacity. Releasing twice is a no-op.
func (s *Service) Release(ctx context.Context, reservationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	rackID, ok := s.index[reservationID]
	r := s.racks[rackID]
	s.mu.RUnlock()
	if !ok || r == nil {
		return apperr.NotFound("reservation", reservationID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.reservations {
		if res.ID != reservationID {
			continue
		}
		if res.ReleasedAt == nil {
			now := s.now()
			res.ReleasedAt = &now
		}
		return nil
	}
	return apperr.NotFound("reservation", reservationID)
}

// Get returns a reservation by id.
func (s *Service) Get(reservationID string) (types.RackReservation, error) {
	s.mu.RLock()
	rackID, ok := s.index[reservationID]
	r := s.racks[rackID]
	s.mu.RUnlock()
	if !ok || r == nil {
		return types.RackReservation{}, apperr.NotFound("reservation", reservationID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.reservations {
		if res.ID == reservationID {
			return *res, nil
		}
	}
	return types.RackReservation{}, apperr.NotFound("reservation", reservationID)
}

// Committed returns the peak committed load of rackID over window.
func (s *Service) Committed(rackID string, window types.Window) (int, error) {
	r, err := s.rack(rackID)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return peak(r.reservations, window), nil
}

// Utilization is the load of one rack over one reservation window.
type Utilization struct {
	RackID    string       `json:"rack_id"`
	Window    types.Window `json:"window"`
	Committed int          `json:"committed"`
	Total     int          `json:"total"`
	Percent   float64      `json:"percent_used"`
}

// Utilization reports, for each rack (or only rackID when set) and each
// distinct active reservation window overlapping [from, to), the peak
// committed load over that window. Rows are sorted by rack then window start.
func (s *Service) Utilization(rackID string, from, to time.Time) ([]Utilization, error) {
	span := types.Window{Start: from, End: to}
	if err := span.Validate(); err != nil {
		return nil, apperr.Invalid("date_range", "%v", err)
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.racks))
	if rackID != "" {
		if _, ok := s.racks[rackID]; !ok {
			s.mu.RUnlock()
			return nil, apperr.Invalid("rack_id", "unknown rack %q", rackID)
		}
		ids = append(ids, rackID)
	} else {
		for id := range s.racks {
			ids = append(ids, id)
		}
	}
	racks := make([]*rack, len(ids))
	sort.Strings(ids)
	for i, id := range ids {
		racks[i] = s.racks[id]
	}
	s.mu.RUnlock()

	var out []Utilization
	for i, r := range racks {
		r.mu.Lock()
		seen := make(map[types.Window]bool)
		var rows []Utilization
		for _, res := range r.reservations {
			if !res.Active() || !res.Window.Overlaps(span) || seen[res.Window] {
				continue
			}
			seen[res.Window] = true
			c := peak(r.reservations, res.Window)
			rows = append(rows, Utilization{
				RackID:    ids[i],
				Window:    res.Window,
				Committed: c,
				Total:     r.total,
				Percent:   float64(c) / float64(r.total) * 100,
			})
		}
		r.mu.Unlock()
		sort.Slice(rows, func(a, b int) bool {
			if !rows[a].Window.Start.Equal(rows[b].Window.Start) {
				return rows[a].Window.Start.Before(rows[b].Window.Start)
			}
			return rows[a].Window.End.Before(rows[b].Window.End)
		})
		out = append(out, rows...)
	}
	return out, nil
}

// Snapshot returns copies of every reservation and the rack totals.
func (s *Service) Snapshot() ([]types.RackReservation, map[string]int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	totals := make(map[string]int, len(s.racks))
	var out []types.RackReservation
	for id, r := range s.racks {
		r.mu.Lock()
		totals[id] = r.total
		for _, res := range r.reservations {
			out = append(out, *res)
		}
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, totals
}

// Restore replaces all state. Racks named only by reservations are created
// with the reservation's recorded total.
func (s *Service) Restore(reservations []types.RackReservation, totals map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.racks = make(map[string]*rack, len(totals))
	s.index = make(map[string]string, len(reservations))
	for id, total := range totals {
		s.racks[id] = &rack{total: total}
	}
	for i := range reservations {
		res := reservations[i]
		r, ok := s.racks[res.RackID]
		if !ok {
			r = &rack{total: res.Total}
			s.racks[res.RackID] = r
		}
		r.reservations = append(r.reservations, &res)
		s.index[res.ID] = res.RackID
	}
}

// peak returns the maximum concurrent load of the active reservations over
// window. Callers hold the rack lock.
func peak(reservations []*types.RackReservation, window types.Window) int {
	type event struct {
		at    time.Time
		delta int
	}
	var events []event
	for _, res := range reservations {
		if !res.Active() || !res.Window.Overlaps(window) {
			continue
		}
		start, end := res.Window.Start, res.Window.End
		if start.Before(window.Start) {
			start = window.Start
		}
		if end.After(window.End) {
			end = window.End
		}
		events = append(events, event{start, res.Amount}, event{end, -res.Amount})
	}
	// half-open: an interval ending at t frees capacity before one starting at t takes it
	sort.Slice(events, func(i, j int) bool {
		if events[i].at.Equal(events[j].at) {
			return events[i].delta < events[j].delta
		}
		return events[i].at.Before(events[j].at)
	})
	load, highest := 0, 0
	for _, e := range events {
		load += e.delta
		if load > highest {
			highest = load
		}
	}
	return highest
}

// SnapshotInto records reservations and rack totals in a checkpoint.
func (s *Service) SnapshotInto(data *types.SnapshotData) {
	data.Reservations, data.RackCapacity = s.Snapshot()
}

// RestoreFrom loads a checkpoint. Racks configured before the restore keep
// their configured total.
func (s *Service) RestoreFrom(data *types.SnapshotData) {
	totals := make(map[string]int, len(data.RackCapacity))
	for id, total := range data.RackCapacity {
		totals[id] = total
	}
	for id, total := range s.Racks() {
		totals[id] = total
	}
	s.Restore(data.Reservations, totals)
}
