package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/pkg/model"
)

type mockChannel struct {
	declared   []string
	published  []amqp.Publishing
	keys       []string
	publishErr error
	declareErr error
	closed     bool
}

func (m *mockChannel) PublishWithContext(_ context.Context, _ string, key string, _, _ bool, msg amqp.Publishing) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	m.keys = append(m.keys, key)
	m.published = append(m.published, msg)
	return nil
}

func (m *mockChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	m.declared = append(m.declared, name)
	return amqp.Queue{Name: name}, m.declareErr
}

func (m *mockChannel) Close() error {
	m.closed = true
	return nil
}

func sampleLetter() model.DeadLetter {
	return model.DeadLetter{
		OrderID:  "o-1",
		Job:      model.Job{OrderID: "o-1"},
		Reason:   "venue unavailable",
		Attempts: 3,
		DeadAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewPublisher_DeclaresQueue(t *testing.T) {
	ch := &mockChannel{}
	_, err := newPublisher(ch, "orders.dead_letter", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"orders.dead_letter"}, ch.declared)
}

func TestNewPublisher_DeclareError(t *testing.T) {
	ch := &mockChannel{declareErr: errors.New("access refused")}
	_, err := newPublisher(ch, "orders.dead_letter", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declare queue")
}

func TestForward_PublishesPersistentJSON(t *testing.T) {
	ch := &mockChannel{}
	p, err := newPublisher(ch, "orders.dead_letter", zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, p.Forward(context.Background(), sampleLetter()))
	require.Len(t, ch.published, 1)

	msg := ch.published[0]
	assert.Equal(t, "orders.dead_letter", ch.keys[0])
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "o-1", msg.MessageId)

	var decoded model.DeadLetter
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "venue unavailable", decoded.Reason)
	assert.Equal(t, 3, decoded.Attempts)
}

func TestForward_PublishError(t *testing.T) {
	ch := &mockChannel{}
	p, err := newPublisher(ch, "dlq", zap.NewNop())
	require.NoError(t, err)
	ch.publishErr = errors.New("channel closed")

	err = p.Forward(context.Background(), sampleLetter())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel closed")
}

func TestForward_MissingOrderID(t *testing.T) {
	p, err := newPublisher(&mockChannel{}, "dlq", nil)
	require.NoError(t, err)
	assert.Error(t, p.Forward(context.Background(), model.DeadLetter{}))
}

func TestClose_ClosesChannel(t *testing.T) {
	ch := &mockChannel{}
	p, err := newPublisher(ch, "dlq", nil)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestLogSink(t *testing.T) {
	assert.NoError(t, LogSink{}.Forward(context.Background(), sampleLetter()))
}
