package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"atmoslofi/internal/mix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL + "/"})
}

func TestUploadSendsMultipartFile(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/upload", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		body, _ := io.ReadAll(f)
		assert.Equal(t, "song.mp3", hdr.Filename)
		assert.Equal(t, "ID3data", string(body))
		_ = json.NewEncoder(w).Encode(map[string]string{"file_id": "f-1"})
	}))

	id, err := c.Upload(context.Background(), "song.mp3", strings.NewReader("ID3data"))
	require.NoError(t, err)
	assert.Equal(t, "f-1", id)
}

func TestProcessSendsFormFields(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/process", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "f-1", r.PostForm.Get("file_id"))
		assert.Equal(t, "Rainy Cafe", r.PostForm.Get("preset"))
		assert.Equal(t, "2", r.PostForm.Get("vocal_vol"))
		assert.Equal(t, "0.9", r.PostForm.Get("playback_speed"))
		assert.Equal(t, "false", r.PostForm.Get("copyright_free"))
		assert.Empty(t, r.PostForm.Get("user_id"))
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "t-1", "status": "processing"})
	}))

	p := mix.Default()
	p.VocalVol = 7
	id, err := c.Process(context.Background(), ProcessRequest{FileID: "f-1", Preset: "Rainy Cafe", Mix: p})
	require.NoError(t, err)
	assert.Equal(t, "t-1", id)
}

func TestErrorDetailIsSurfaced(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"detail":"Insufficient credits for Copyright-Free mode"}`))
	}))

	_, err := c.Process(context.Background(), ProcessRequest{FileID: "f", Preset: "Auto"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPaymentRequired, apiErr.StatusCode)
	assert.Equal(t, "Insufficient credits for Copyright-Free mode", apiErr.Detail)
	assert.Equal(t, http.StatusPaymentRequired, StatusCodeOf(err))
}

func TestStatusAndLinkStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/status/t-1":
			_, _ = w.Write([]byte(`{"task_id":"t-1","status":"completed","mood":"Calm"}`))
		case "/api/yt-status/y-1":
			_, _ = w.Write([]byte(`{"status":"done","file_id":"f-9","filename":"Night Drive"}`))
		default:
			http.NotFound(w, r)
		}
	}))

	st, err := c.Status(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, "Calm", st.Mood)

	ls, err := c.LinkStatus(context.Background(), "y-1")
	require.NoError(t, err)
	assert.Equal(t, LinkStatus{Status: LinkDone, FileID: "f-9", Filename: "Night Drive"}, ls)
}

func TestDownloadURLAndStream(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/download/t-1", r.URL.Path)
		assert.Equal(t, "wav", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte("RIFF"))
	}))

	_, err := c.DownloadURL("t-1", "flac")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	u, err := c.DownloadURL("t-1", "mp3")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u, "/api/download/t-1?format=mp3"))

	var buf bytes.Buffer
	n, err := c.Download(context.Background(), "t-1", "wav", &buf)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.Equal(t, "RIFF", buf.String())
}

func TestPaymentsRoundTrip(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		switch r.URL.Path {
		case "/api/payments/create-order":
			assert.Equal(t, "pack_20", in["pack_id"])
			_, _ = w.Write([]byte(`{"order_id":"o-1","amount":9900,"currency":"INR","key_id":"k"}`))
		case "/api/payments/verify":
			assert.Equal(t, "sig", in["razorpay_signature"])
			_, _ = w.Write([]byte(`{"status":"success","new_credits":20}`))
		}
	}))

	order, err := c.CreateOrder(context.Background(), "pack_20", "u-1")
	require.NoError(t, err)
	assert.Equal(t, OrderResponse{OrderID: "o-1", Amount: 9900, Currency: "INR", KeyID: "k"}, order)

	res, err := c.VerifyPayment(context.Background(), PaymentConfirmation{OrderID: "o-1", PaymentID: "p", Signature: "sig", PackID: "pack_20", UserID: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, 20, res.NewCredits)
}

func TestRateLimitHonoursContext(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:0", RequestsPerSecond: 0.001, Burst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Status(ctx, "x")
	require.Error(t, err)
}
