package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuanFBA/estoque-system/internal/contract"
)

func TestCharge(t *testing.T) {
	ctx := context.Background()
	event := contract.OrderEvent{OrderID: 5}

	assert.NoError(t, Charge(ctx, ApproveAll{}, event))

	declined := errors.New("card declined")
	err := Charge(ctx, GatewayFunc(func(context.Context, contract.OrderEvent) error { return declined }), event)

	var gerr *GatewayError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, int64(5), gerr.OrderID)
	assert.ErrorIs(t, err, declined)
	assert.Contains(t, err.Error(), "card declined")
}

func TestCharge_Panic(t *testing.T) {
	err := Charge(context.Background(), GatewayFunc(func(context.Context, contract.OrderEvent) error {
		panic("boom")
	}), contract.OrderEvent{OrderID: 1})

	var gerr *GatewayError
	require.True(t, errors.As(err, &gerr))
	assert.Contains(t, err.Error(), "boom")
}
