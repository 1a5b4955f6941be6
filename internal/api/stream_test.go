package api

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	gws "github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/internal/eventbus"
	"github.com/Checker-Finance/order-stream/internal/gateway"
	"github.com/Checker-Finance/order-stream/internal/queue"
	"github.com/Checker-Finance/order-stream/internal/store"
	"github.com/Checker-Finance/order-stream/internal/subscription"
	"github.com/Checker-Finance/order-stream/pkg/config"
	"github.com/Checker-Finance/order-stream/pkg/model"
)

type streamEnv struct {
	addr     string
	store    *store.RedisStore
	bus      *eventbus.Bus
	registry *subscription.Registry
	gateway  *gateway.Gateway
}

func newStreamEnv(t *testing.T) *streamEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.NewRedis(rdb, nil)
	q := queue.NewRedis(rdb, queue.Options{}, nil)
	bus := eventbus.New(nil)
	reg := subscription.NewRegistry(bus, st, subscription.Options{Buffer: 16, Overflow: config.OverflowDropOldest}, nil)
	gw := gateway.New(st, q, bus, nil, nil)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	RegisterRoutes(app, nil, map[string]HealthChecker{"redis": st},
		NewOrderHandler(zap.NewNop(), gw, q),
		NewStreamHandler(zap.NewNop(), reg, time.Second),
	)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.ShutdownWithTimeout(time.Second) })

	return &streamEnv{addr: ln.Addr().String(), store: st, bus: bus, registry: reg, gateway: gw}
}

func (e *streamEnv) dial(t *testing.T, orderID string) *gws.Conn {
	t.Helper()
	conn, _, err := gws.DefaultDialer.Dial("ws://"+e.addr+"/ws/orders/"+orderID, nil)
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func (e *streamEnv) submit(t *testing.T) string {
	t.Helper()
	receipt, err := e.gateway.Submit(context.Background(), model.OrderRequest{
		TokenIn:  "USDC",
		TokenOut: "ETH",
		Amount:   decimal.NewFromInt(100),
		Side:     "buy",
	})
	require.NoError(t, err)
	return receipt.OrderID
}

func (e *streamEnv) advance(t *testing.T, orderID string, to model.Status, result *model.Result) {
	t.Helper()
	o, err := e.store.Transition(context.Background(), orderID, to, result)
	require.NoError(t, err)
	require.NoError(t, e.bus.Publish(context.Background(), model.EventFromOrder(o, time.Now())))
}

func TestStream_SnapshotThenLiveUpdates(t *testing.T) {
	env := newStreamEnv(t)
	id := env.submit(t)

	conn := env.dial(t, id)
	defer conn.Close()

	var snap model.StatusMessage
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, id, snap.OrderID)
	assert.Equal(t, model.StatusPending, snap.Status)
	assert.Equal(t, SubscribedInfo, snap.Info)

	env.advance(t, id, model.StatusProcessing, nil)
	price := decimal.RequireFromString("2500")
	out := decimal.RequireFromString("0.04")
	env.advance(t, id, model.StatusFilled, &model.Result{Price: &price, AmountOut: &out, Venue: "simulator"})

	var msg model.StatusMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, model.StatusProcessing, msg.Status)
	assert.Empty(t, msg.Info)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, model.StatusFilled, msg.Status)
	require.NotNil(t, msg.Result)
	assert.True(t, msg.Result.Price.Equal(price))

	_, _, err := conn.ReadMessage()
	assert.True(t, gws.IsCloseError(err, gws.CloseNormalClosure), "got %v", err)

	assert.Eventually(t, func() bool { return env.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStream_TerminalSnapshotClosesImmediately(t *testing.T) {
	env := newStreamEnv(t)
	id := env.submit(t)
	_, err := env.gateway.Cancel(context.Background(), id)
	require.NoError(t, err)

	conn := env.dial(t, id)
	defer conn.Close()

	var snap model.StatusMessage
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, model.StatusCancelled, snap.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, gws.IsCloseError(err, gws.CloseNormalClosure), "got %v", err)
}

func TestStream_UnknownOrder(t *testing.T) {
	env := newStreamEnv(t)

	conn := env.dial(t, "does-not-exist")
	defer conn.Close()

	var msg model.StatusMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "does-not-exist", msg.OrderID)
	assert.Equal(t, "order not found", msg.Error)

	_, _, err := conn.ReadMessage()
	assert.True(t, gws.IsCloseError(err, gws.CloseNormalClosure), "got %v", err)
	assert.Equal(t, 0, env.registry.Len())
}

func TestStream_ClientDisconnectsDetach(t *testing.T) {
	env := newStreamEnv(t)
	id := env.submit(t)

	const n = 25
	conns := make([]*gws.Conn, 0, n)
	for range n {
		conn := env.dial(t, id)
		var snap model.StatusMessage
		require.NoError(t, conn.ReadJSON(&snap))
		conns = append(conns, conn)
	}
	assert.Equal(t, n, env.registry.Len())
	assert.Equal(t, n, env.bus.Count(id))

	for _, c := range conns {
		_ = c.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, "bye"))
		_ = c.Close()
	}

	assert.Eventually(t, func() bool {
		return env.registry.Len() == 0 && env.bus.Count(id) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStream_RegistryCloseEndsConnections(t *testing.T) {
	env := newStreamEnv(t)
	id := env.submit(t)

	conn := env.dial(t, id)
	defer conn.Close()
	var snap model.StatusMessage
	require.NoError(t, conn.ReadJSON(&snap))

	env.registry.Close()

	_, _, err := conn.ReadMessage()
	assert.True(t, gws.IsCloseError(err, gws.CloseGoingAway), "got %v", err)
}

func TestStream_TerminalRightAfterSnapshotReleasesConnection(t *testing.T) {
	env := newStreamEnv(t)

	for range 20 {
		id := env.submit(t)
		env.advance(t, id, model.StatusProcessing, nil)

		conn := env.dial(t, id)
		var snap model.StatusMessage
		require.NoError(t, conn.ReadJSON(&snap))
		require.Equal(t, model.StatusProcessing, snap.Status)

		price := decimal.RequireFromString("1")
		env.advance(t, id, model.StatusFilled, &model.Result{Price: &price})

		var msg model.StatusMessage
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, model.StatusFilled, msg.Status)
		_, _, err := conn.ReadMessage()
		assert.True(t, gws.IsCloseError(err, gws.CloseNormalClosure), "got %v", err)
		_ = conn.Close()
	}

	assert.Eventually(t, func() bool { return env.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	// the server still serves fresh connections on recycled handlers
	id := env.submit(t)
	conn := env.dial(t, id)
	defer conn.Close()
	var snap model.StatusMessage
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, model.StatusPending, snap.Status)
}
