package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/internal/store"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

func newMockBook(t *testing.T) (*OrderBook, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewOrderBook(sqlx.NewDb(db, "postgres")), mock
}

var friday = time.Date(2026, time.October, 16, 9, 0, 0, 0, time.UTC)

var orderColumns = []string{"id", "customer", "product", "quantity", "delivery_date", "status", "created_at"}

func TestEnsureSchema(t *testing.T) {
	book, mock := newMockBook(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS orders").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, book.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveOrder(t *testing.T) {
	book, mock := newMockBook(t)
	o := types.Order{ID: "o1", Customer: "ada", Product: "radish", Quantity: 4, DeliveryDate: friday, Status: types.OrderConfirmed, CreatedAt: friday.Add(-48 * time.Hour)}

	testCases := []struct {
		name      string
		setupMock func()
		wantErr   bool
	}{
		{
			name: "upserts the order",
			setupMock: func() {
				mock.ExpectExec("INSERT INTO orders").
					WithArgs("o1", "ada", "radish", 4, friday, "confirmed", o.CreatedAt).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "database error is wrapped",
			setupMock: func() {
				mock.ExpectExec("INSERT INTO orders").WillReturnError(sql.ErrConnDone)
			},
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setupMock()
			err := book.SaveOrder(context.Background(), o)
			if tc.wantErr {
				assert.ErrorIs(t, err, sql.ErrConnDone)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGetOrder(t *testing.T) {
	book, mock := newMockBook(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM orders").
		WithArgs("o1").
		WillReturnRows(sqlmock.NewRows(orderColumns).
			AddRow("o1", "ada", "radish", 4, friday, "confirmed", friday))

	o, err := book.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "ada", o.Customer)
	assert.Equal(t, types.OrderConfirmed, o.Status)

	mock.ExpectQuery("SELECT (.+) FROM orders").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = book.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListOrdersByDate(t *testing.T) {
	book, mock := newMockBook(t)

	mock.ExpectQuery("SELECT (.+) FROM orders").
		WithArgs("confirmed", "", sql.NullTime{Time: friday, Valid: true}).
		WillReturnRows(sqlmock.NewRows(orderColumns).
			AddRow("o1", "ada", "radish", 4, friday, "confirmed", friday).
			AddRow("o2", "bo", "pea_shoots", 2, friday, "confirmed", friday))

	orders, err := book.ListOrders(context.Background(), store.OrderFilter{Status: types.OrderConfirmed, DeliveryDate: friday})
	require.NoError(t, err)
	assert.Len(t, orders, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDeliveryJobEncodesCourier(t *testing.T) {
	book, mock := newMockBook(t)
	j := types.DeliveryJob{
		ID: "d1", OrderID: "o1", BatchID: "b1", ScheduledFor: friday,
		Status: types.DeliveryDispatched, Courier: map[string]string{"carrier": "van-2"},
		CreatedAt: friday, UpdatedAt: friday,
	}

	mock.ExpectExec("INSERT INTO delivery_jobs").
		WithArgs("d1", "o1", "b1", friday, "dispatched", []byte(`{"carrier":"van-2"}`), friday, friday).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, book.SaveDeliveryJob(context.Background(), j))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDeliveryJobsJoin(t *testing.T) {
	book, mock := newMockBook(t)
	cols := []string{
		"id", "order_id", "batch_id", "scheduled_for", "status", "courier", "created_at", "updated_at",
		"o_id", "o_customer", "o_product", "o_quantity", "o_delivery_date", "o_status", "o_created_at",
	}

	mock.ExpectQuery(`LEFT JOIN orders o ON o.id = d.order_id\s+ORDER BY d.scheduled_for ASC, d.created_at DESC`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("d1", "o1", "b1", friday, "pending", []byte(`{}`), friday, friday,
				"o1", "ada", "radish", 4, friday, "confirmed", friday).
			AddRow("d2", "gone", "b2", friday.Add(time.Hour), "pending", []byte(`{"carrier":"bike"}`), friday, friday,
				nil, nil, nil, nil, nil, nil, nil))

	views, err := book.ListDeliveryJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 2)

	require.NotNil(t, views[0].Order)
	assert.Equal(t, "ada", views[0].Order.Customer)
	assert.Nil(t, views[0].Courier)

	assert.Nil(t, views[1].Order)
	assert.Equal(t, "bike", views[1].Courier["carrier"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDeliveryJobNotFound(t *testing.T) {
	book, mock := newMockBook(t)
	mock.ExpectQuery("SELECT (.+) FROM delivery_jobs").
		WithArgs("d9").
		WillReturnError(sql.ErrNoRows)

	_, err := book.GetDeliveryJob(context.Background(), "d9")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
