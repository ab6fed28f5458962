package backend

import "context"

// OrderResponse is returned by /api/payments/create-order.
type OrderResponse struct {
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	KeyID    string `json:"key_id"`
}

// PaymentConfirmation is the gateway callback forwarded for verification.
type PaymentConfirmation struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
	PackID    string `json:"pack_id"`
	UserID    string `json:"user_id"`
}

// VerifyResponse is returned by /api/payments/verify.
type VerifyResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	NewCredits int    `json:"new_credits"`
}

func (c *Client) CreateOrder(ctx context.Context, packID, userID string) (OrderResponse, error) {
	in := struct {
		PackID string `json:"pack_id"`
		UserID string `json:"user_id"`
	}{PackID: packID, UserID: userID}
	var out OrderResponse
	err := c.postJSON(ctx, "create order", "/api/payments/create-order", in, &out)
	return out, err
}

func (c *Client) VerifyPayment(ctx context.Context, in PaymentConfirmation) (VerifyResponse, error) {
	var out VerifyResponse
	err := c.postJSON(ctx, "verify payment", "/api/payments/verify", in, &out)
	return out, err
}
