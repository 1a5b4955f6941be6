package archive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/pkg/model"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	calls   []execCall
	execErr error
	pingErr error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeDB) Ping(context.Context) error { return f.pingErr }

func filledOrder() *model.Order {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	o := model.NewOrder("o-1", model.OrderRequest{
		TokenIn: "SOL", TokenOut: "USDC", Amount: decimal.RequireFromString("2"), Side: "sell",
	}, now)
	price := decimal.RequireFromString("150.5")
	o.Status = model.StatusFilled
	o.Version = 3
	o.Result = &model.Result{Price: &price, Venue: "raydium", TxHash: "0xabc"}
	return o
}

func TestUpsert_WritesAllColumns(t *testing.T) {
	db := &fakeDB{}
	w := NewOrderWriter(db, zap.NewNop())

	require.NoError(t, w.Upsert(context.Background(), filledOrder()))
	require.Len(t, db.calls, 1)

	call := db.calls[0]
	assert.Contains(t, call.sql, "orders.t_order")
	assert.Contains(t, call.sql, "n_version < EXCLUDED.n_version")
	require.Len(t, call.args, 15)
	assert.Equal(t, "o-1", call.args[0])
	assert.Equal(t, "market", call.args[1])
	assert.Equal(t, "2", call.args[4])
	assert.Equal(t, "filled", call.args[6])
	assert.Equal(t, int64(3), call.args[7])
	assert.Equal(t, "150.5", call.args[8])
	assert.Nil(t, call.args[9])
	assert.Equal(t, "raydium", call.args[10])
}

func TestUpsert_NilOrderIsNoop(t *testing.T) {
	db := &fakeDB{}
	w := NewOrderWriter(db, nil)

	require.NoError(t, w.Upsert(context.Background(), nil))
	assert.Empty(t, db.calls)
}

func TestUpsert_PropagatesError(t *testing.T) {
	db := &fakeDB{execErr: errors.New("connection reset")}
	w := NewOrderWriter(db, zap.NewNop())

	err := w.Upsert(context.Background(), filledOrder())
	assert.EqualError(t, err, "connection reset")
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	w := NewOrderWriter(db, zap.NewNop())

	require.NoError(t, w.EnsureSchema(context.Background()))
	require.Len(t, db.calls, 1)
	assert.True(t, strings.Contains(db.calls[0].sql, "CREATE TABLE IF NOT EXISTS orders.t_order"))
}

func TestHealthCheck(t *testing.T) {
	w := NewOrderWriter(&fakeDB{pingErr: errors.New("down")}, nil)
	err := w.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres ping failed")
}
