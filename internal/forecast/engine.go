// Package forecast projects sellable inventory per product for a delivery date.
package forecast

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/internal/store"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

// Batches lists production batches.
type Batches interface {
	ListBatches(ctx context.Context) ([]types.Batch, error)
}

// Orders lists committed orders.
type Orders interface {
	ListOrders(ctx context.Context, f store.OrderFilter) ([]types.Order, error)
}

// ProductForecast is the projected position of one product on one date.
type ProductForecast struct {
	Product      string    `json:"product"`
	DeliveryDate time.Time `json:"delivery_date"`
	Projected    int       `json:"projected"`
	Committed    int       `json:"committed"`
	Available    int       `json:"available"`
}

// Engine computes forecasts on demand. It holds no state of its own.
type Engine struct {
	batches   Batches
	orders    Orders
	durations types.StageDurations
}

// NewEngine creates an Engine using the expected-duration table d.
func NewEngine(batches Batches, orders Orders, d types.StageDurations) *Engine {
	return &Engine{batches: batches, orders: orders, durations: d}
}

// ProjectedHarvest returns when b is expected to finish HARVEST. It adds the
// expected durations of the remaining stages to the time b entered its
// current stage; actual elapsed time is never used. Batches past HARVEST
// report the time they entered their current stage.
func (e *Engine) ProjectedHarvest(b types.Batch) time.Time {
	return b.EnteredStageAt.Add(e.durations.UntilHarvestDone(b.CropType, b.Stage))
}

// Forecast returns one row per product that has either supply or demand on date.
//
// Projected counts every live batch harvested by date; Committed counts only
// the confirmed orders for that exact date. Orders for earlier dates are not
// subtracted, so one batch can back orders on several delivery dates. Callers
// that need cumulative availability must net earlier dates themselves.
func (e *Engine) Forecast(ctx context.Context, date time.Time) ([]ProductForecast, error) {
	if date.IsZero() {
		return nil, apperr.Invalid("delivery_date", "is required")
	}
	batches, err := e.batches.ListBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	orders, err := e.orders.ListOrders(ctx, store.OrderFilter{Status: types.OrderConfirmed, DeliveryDate: date})
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	rows := make(map[string]*ProductForecast)
	row := func(product string) *ProductForecast {
		r, ok := rows[product]
		if !ok {
			r = &ProductForecast{Product: product, DeliveryDate: date}
			rows[product] = r
		}
		return r
	}
	for _, b := range batches {
		if b.CancelledAt != nil || b.CancelRequested || b.ArchivedAt != nil {
			continue
		}
		if e.ProjectedHarvest(b).After(date) {
			continue
		}
		row(b.CropType).Projected += b.Quantity
	}
	for _, o := range orders {
		row(o.Product).Committed += o.Quantity
	}

	out := make([]ProductForecast, 0, len(rows))
	for _, r := range rows {
		r.Available = r.Projected - r.Committed
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Product < out[j].Product })
	return out, nil
}

// ForProduct returns the forecast of one product, zero when it has no rows.
func (e *Engine) ForProduct(ctx context.Context, product string, date time.Time) (ProductForecast, error) {
	all, err := e.Forecast(ctx, date)
	if err != nil {
		return ProductForecast{}, err
	}
	for _, f := range all {
		if f.Product == product {
			return f, nil
		}
	}
	return ProductForecast{Product: product, DeliveryDate: date}, nil
}

// CanFulfil gates a new order: it fails with a ValidationError when the
// forecast available quantity is below qty.
func (e *Engine) CanFulfil(ctx context.Context, product string, qty int, date time.Time) (ProductForecast, error) {
	if product == "" {
		return ProductForecast{}, apperr.Invalid("product", "is required")
	}
	if qty <= 0 {
		return ProductForecast{}, apperr.Invalid("quantity", "must be positive, got %d", qty)
	}
	f, err := e.ForProduct(ctx, product, date)
	if err != nil {
		return f, err
	}
	if f.Available < qty {
		return f, apperr.Invalid("quantity", "only %d %s forecast available for %s, requested %d",
			f.Available, product, date.Format("2006-01-02"), qty)
	}
	return f, nil
}
