package payment

import (
	"context"
	"errors"
	"testing"

	"atmoslofi/internal/auth"
	"atmoslofi/internal/backend"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	orderErr  error
	verify    backend.VerifyResponse
	verifyErr error
	lastConf  backend.PaymentConfirmation
	calls     int
}

func (f *fakeGateway) CreateOrder(_ context.Context, packID, userID string) (backend.OrderResponse, error) {
	f.calls++
	if f.orderErr != nil {
		return backend.OrderResponse{}, f.orderErr
	}
	return backend.OrderResponse{OrderID: "order_" + packID + "_" + userID, Amount: 9900, Currency: "INR", KeyID: "rzp"}, nil
}

func (f *fakeGateway) VerifyPayment(_ context.Context, in backend.PaymentConfirmation) (backend.VerifyResponse, error) {
	f.calls++
	f.lastConf = in
	return f.verify, f.verifyErr
}

var user = auth.Identity{UserID: "u-1"}

func TestCreateOrderRequiresIdentity(t *testing.T) {
	gw := &fakeGateway{}
	c := NewCheckout(gw)
	_, err := c.CreateOrder(context.Background(), auth.Identity{}, "pack_20")
	assert.ErrorIs(t, err, auth.ErrAuthRequired)
	assert.Zero(t, gw.calls)
}

func TestCreateOrder(t *testing.T) {
	c := NewCheckout(&fakeGateway{})
	order, err := c.CreateOrder(context.Background(), user, "pack_20")
	require.NoError(t, err)
	assert.Equal(t, "order_pack_20_u-1", order.OrderID)
	assert.Equal(t, 20, order.Pack.Credits)

	_, err = c.CreateOrder(context.Background(), user, "pack_999")
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.ErrorIs(t, err, ErrUnknownPack)
}

func TestGatewayErrorsBecomeFailures(t *testing.T) {
	gw := &fakeGateway{orderErr: &backend.APIError{Op: "create order", StatusCode: 500, Detail: "Payment gateway not configured"}}
	c := NewCheckout(gw)
	_, err := c.CreateOrder(context.Background(), user, "pack_50")
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, 500, backend.StatusCodeOf(err))
	assert.Equal(t, 1, gw.calls, "no automatic retry")
}

func TestVerify(t *testing.T) {
	gw := &fakeGateway{verify: backend.VerifyResponse{Status: "success", NewCredits: 70}}
	c := NewCheckout(gw)

	_, err := c.Verify(context.Background(), user, "pack_50", Callback{OrderID: "o"})
	assert.ErrorIs(t, err, ErrMissingPayment)

	res, err := c.Verify(context.Background(), user, "pack_50", Callback{OrderID: "o", PaymentID: "p", Signature: "s"})
	require.NoError(t, err)
	assert.Equal(t, 70, res.Credits)
	assert.Equal(t, "u-1", gw.lastConf.UserID)
	assert.Equal(t, "pack_50", gw.lastConf.PackID)

	gw.verify = backend.VerifyResponse{Status: "pending"}
	_, err = c.Verify(context.Background(), user, "pack_50", Callback{OrderID: "o", PaymentID: "p", Signature: "s"})
	assert.ErrorIs(t, err, ErrNotConfirmed)
}
