package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
	domain "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/fulfillment"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{
	"session_id", "event_id", "status", "snapshot", "cart_error", "shipment_id", "tracking_code",
	"label_url", "carrier", "service", "shortfalls", "last_error", "attempt_count", "version", "created_at", "updated_at",
}

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return mock
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	mock := newMock(t)
	repo := NewFulfillmentRepository(mock)

	rec, err := domain.New("cs_1", "evt_1", checkout.Snapshot{Items: []checkout.CartItem{{ProductID: "A1", Quantity: 2}}}, nil)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fulfillments")).
		WithArgs(anyArgs(15)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, repo.Create(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fulfillments")).
		WithArgs(anyArgs(15)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	assert.ErrorIs(t, repo.Create(ctx, rec), domain.ErrAlreadyExists)
}

func TestGetDecodesRow(t *testing.T) {
	ctx := context.Background()
	mock := newMock(t)
	repo := NewFulfillmentRepository(mock)

	snap, err := json.Marshal(checkout.Snapshot{
		Items:    []checkout.CartItem{{ProductID: "A1", Quantity: 2}},
		Customer: checkout.Customer{Email: "ash@example.com"},
	})
	require.NoError(t, err)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM fulfillments WHERE session_id=$1")).
		WithArgs("cs_1").
		WillReturnRows(pgxmock.NewRows(columns).AddRow(
			"cs_1", "evt_1", "inventory_reserved", snap, "", "shp_1", "", "", "", "",
			[]byte(`{"A1":3}`), "no rates", 2, int64(4), now, now,
		))

	rec, err := repo.Get(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInventoryReserved, rec.Status)
	assert.Equal(t, "ash@example.com", rec.Snapshot.Customer.Email)
	assert.Equal(t, map[string]int{"A1": 3}, rec.Shortfalls)
	assert.Equal(t, 2, rec.AttemptCount)
	assert.Equal(t, int64(4), rec.Version)
}

func TestGetNotFound(t *testing.T) {
	mock := newMock(t)
	repo := NewFulfillmentRepository(mock)

	mock.ExpectQuery(regexp.QuoteMeta("FROM fulfillments WHERE session_id=$1")).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(columns))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateCompareAndSet(t *testing.T) {
	ctx := context.Background()
	mock := newMock(t)
	repo := NewFulfillmentRepository(mock)

	rec, err := domain.New("cs_1", "evt_1", checkout.Snapshot{}, nil)
	require.NoError(t, err)
	rec.Version = 3

	mock.ExpectExec(regexp.QuoteMeta("UPDATE fulfillments SET")).
		WithArgs(anyArgs(14)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.Update(ctx, rec))
	assert.Equal(t, int64(4), rec.Version)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE fulfillments SET")).
		WithArgs(anyArgs(14)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("cs_1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	assert.ErrorIs(t, repo.Update(ctx, rec), domain.ErrConflict)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE fulfillments SET")).
		WithArgs(anyArgs(14)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("cs_1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	assert.ErrorIs(t, repo.Update(ctx, rec), domain.ErrNotFound)
}

func TestListStale(t *testing.T) {
	mock := newMock(t)
	repo := NewFulfillmentRepository(mock)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status NOT IN ('notified', 'failed')")).
		WithArgs(pgxmock.AnyArg(), 10).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("cs_1", "", "pending", []byte(`{"items":[]}`), "", "", "", "", "", "", []byte(nil), "", 0, int64(1), now, now).
			AddRow("cs_2", "", "label_purchased", []byte(`{"items":[]}`), "", "", "1Z", "", "UPS", "Ground", []byte(nil), "", 1, int64(3), now, now))

	recs, err := repo.ListStale(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "cs_2", recs[1].SessionID)
	assert.Equal(t, domain.StatusLabelPurchased, recs[1].Status)
}

func TestMigrate(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS fulfillments")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, Migrate(context.Background(), mock))
}
