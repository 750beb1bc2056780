package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAcknowledger для тестирования
type mockAcknowledger struct {
	acks    int
	nacks   int
	requeue bool
	err     error
}

func (m *mockAcknowledger) Ack(ctx context.Context, d *Delivery) error {
	if m.err != nil {
		return m.err
	}
	m.acks++
	return nil
}

func (m *mockAcknowledger) Nack(ctx context.Context, d *Delivery, requeue bool) error {
	if m.err != nil {
		return m.err
	}
	m.nacks++
	m.requeue = requeue
	return nil
}

func TestDelivery_AckOnce(t *testing.T) {
	ack := &mockAcknowledger{}
	d := NewDelivery(Message{RoutingKey: "order.created"}, "order_queue", 1, false, ack)

	require.NoError(t, d.Ack(context.Background()))
	assert.True(t, d.Settled())

	err := d.Ack(context.Background())
	assert.ErrorIs(t, err, ErrAlreadySettled)
	err = d.Nack(context.Background(), true)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, ack.nacks)
}

func TestDelivery_Nack(t *testing.T) {
	ack := &mockAcknowledger{}
	d := NewDelivery(Message{}, "q", 7, true, ack)

	require.NoError(t, d.Nack(context.Background(), true))
	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue)
	assert.True(t, d.Redelivered)
}

func TestDelivery_AckFailureKeepsUnsettled(t *testing.T) {
	ack := &mockAcknowledger{err: TransportError("ack", errors.New("channel closed"))}
	d := NewDelivery(Message{}, "q", 2, false, ack)

	err := d.Ack(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.False(t, d.Settled())
}

func TestDelivery_NoAcknowledger(t *testing.T) {
	d := NewDelivery(Message{}, "q", 3, false, nil)
	assert.Error(t, d.Ack(context.Background()))
}

func TestTransportError(t *testing.T) {
	err := TransportError("publish order.created", errors.New("connection refused"))
	assert.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "connection refused")

	assert.ErrorIs(t, TransportError("dial", nil), ErrTransport)
}

func TestConsumeOptions_WithDefaults(t *testing.T) {
	assert.Equal(t, 1, ConsumeOptions{}.WithDefaults().Prefetch)
	assert.Equal(t, 5, ConsumeOptions{Prefetch: 5}.WithDefaults().Prefetch)
}

func TestExponentialBackoffRetryPolicy(t *testing.T) {
	p := &ExponentialBackoffRetryPolicy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		MaxAttempts:  3,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.GetDelay(tt.attempt))
	}

	assert.True(t, p.ShouldRetry(1, errors.New("x")))
	assert.False(t, p.ShouldRetry(3, errors.New("x")))
	assert.False(t, p.ShouldRetry(1, nil))
}

func TestRetry(t *testing.T) {
	policy := &ExponentialBackoffRetryPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 3}

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, func() error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, func() error {
			calls++
			return errors.New("down")
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("nil policy runs once", func(t *testing.T) {
		calls := 0
		_ = Retry(context.Background(), nil, func() error {
			calls++
			return errors.New("down")
		})
		assert.Equal(t, 1, calls)
	})
}
