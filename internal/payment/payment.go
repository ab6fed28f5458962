package payment

import (
	"context"
	"errors"
	"fmt"

	"atmoslofi/internal/auth"
	"atmoslofi/internal/backend"

	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownPack    = errors.New("unknown credit pack")
	ErrNotConfirmed   = errors.New("payment not confirmed")
	ErrMissingPayment = errors.New("incomplete payment callback")
)

// Pack is a purchasable bundle of conversion credits. Amount is in minor units.
type Pack struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Amount  int64  `json:"amount"`
	Credits int    `json:"credits"`
}

var packs = []Pack{
	{ID: "pack_20", Name: "20 Songs Pack", Amount: 9900, Credits: 20},
	{ID: "pack_50", Name: "50 Songs Pack", Amount: 19900, Credits: 50},
}

func Packs() []Pack {
	out := make([]Pack, len(packs))
	copy(out, packs)
	return out
}

func LookupPack(id string) (Pack, bool) {
	for _, p := range packs {
		if p.ID == id {
			return p, true
		}
	}
	return Pack{}, false
}

// Failure wraps any order or verification problem. Nothing is retried.
type Failure struct {
	Op     string
	PackID string
	Err    error
}

func (f *Failure) Error() string { return fmt.Sprintf("payment %s (%s): %v", f.Op, f.PackID, f.Err) }

func (f *Failure) Unwrap() error { return f.Err }

// Gateway is the backend side of checkout.
type Gateway interface {
	CreateOrder(ctx context.Context, packID, userID string) (backend.OrderResponse, error)
	VerifyPayment(ctx context.Context, in backend.PaymentConfirmation) (backend.VerifyResponse, error)
}

type Order struct {
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	KeyID    string `json:"key_id"`
	Pack     Pack   `json:"pack"`
}

// Callback is what the payment widget hands back after the user pays.
type Callback struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

type Result struct {
	Credits int    `json:"credits"`
	Message string `json:"message,omitempty"`
}

type Checkout struct {
	gateway Gateway
}

func NewCheckout(g Gateway) *Checkout { return &Checkout{gateway: g} }

// CreateOrder opens an order for a pack on behalf of a signed-in user.
func (c *Checkout) CreateOrder(ctx context.Context, id auth.Identity, packID string) (Order, error) {
	if err := auth.Require(id); err != nil {
		return Order{}, err //nolint:wrapcheck
	}
	pack, ok := LookupPack(packID)
	if !ok {
		return Order{}, &Failure{Op: "create order", PackID: packID, Err: ErrUnknownPack}
	}
	resp, err := c.gateway.CreateOrder(ctx, packID, id.UserID)
	if err != nil {
		log.Warn().Str("pack_id", packID).Err(err).Msg("create order failed")
		return Order{}, &Failure{Op: "create order", PackID: packID, Err: err}
	}
	return Order{OrderID: resp.OrderID, Amount: resp.Amount, Currency: resp.Currency, KeyID: resp.KeyID, Pack: pack}, nil
}

// Verify forwards the widget callback and returns the new credit balance.
func (c *Checkout) Verify(ctx context.Context, id auth.Identity, packID string, cb Callback) (Result, error) {
	if err := auth.Require(id); err != nil {
		return Result{}, err //nolint:wrapcheck
	}
	if _, ok := LookupPack(packID); !ok {
		return Result{}, &Failure{Op: "verify", PackID: packID, Err: ErrUnknownPack}
	}
	if cb.OrderID == "" || cb.PaymentID == "" || cb.Signature == "" {
		return Result{}, &Failure{Op: "verify", PackID: packID, Err: ErrMissingPayment}
	}
	resp, err := c.gateway.VerifyPayment(ctx, backend.PaymentConfirmation{
		OrderID:   cb.OrderID,
		PaymentID: cb.PaymentID,
		Signature: cb.Signature,
		PackID:    packID,
		UserID:    id.UserID,
	})
	if err != nil {
		log.Warn().Str("pack_id", packID).Str("order_id", cb.OrderID).Err(err).Msg("payment verification failed")
		return Result{}, &Failure{Op: "verify", PackID: packID, Err: err}
	}
	if resp.Status != "success" {
		return Result{}, &Failure{Op: "verify", PackID: packID, Err: fmt.Errorf("%w: %s", ErrNotConfirmed, resp.Status)}
	}
	log.Info().Str("pack_id", packID).Int("credits", resp.NewCredits).Msg("payment verified")
	return Result{Credits: resp.NewCredits, Message: resp.Message}, nil
}
