package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/speedrun-hq/session-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/session-relayer/pkg/ledger"
	"github.com/speedrun-hq/session-relayer/pkg/logger"
	"github.com/speedrun-hq/session-relayer/pkg/models"
	"github.com/speedrun-hq/session-relayer/pkg/relayer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSubmitter struct {
	result *models.QuickPayResult
	err    error
	got    models.PaymentRequest
}

func (s *stubSubmitter) Submit(_ context.Context, req models.PaymentRequest) (*models.QuickPayResult, error) {
	s.got = req
	return s.result, s.err
}

type stubQueue struct {
	status *models.QueueStatus
	err    error
}

func (q *stubQueue) Status(_ context.Context) (*models.QueueStatus, error) {
	return q.status, q.err
}

// unfundedLedger reports a zero balance
type unfundedLedger struct {
	*ledger.MockClient
}

func (unfundedLedger) RelayerBalance(_ context.Context) (*big.Int, error) {
	return big.NewInt(0), nil
}

func newTestServer(cfg Config, submitter Submitter, queue QueueReporter, client ledger.Client, breaker *circuitbreaker.CircuitBreaker) *Server {
	if client == nil {
		client = ledger.NewMockClient(big.NewInt(8453), &logger.EmptyLogger{})
	}
	return NewServer(cfg, submitter, queue, client, breaker, &logger.EmptyLogger{})
}

func do(t *testing.T, s *Server, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

const quickpayBody = `{"sessionId":"0x01","paymentId":"pay-1","recipient":"0x00000000000000000000000000000000000000aa","amount":"1000","tokenDecimals":18,"signature":"0x00","nonce":7}`

func TestQuickPaySuccess(t *testing.T) {
	confirmed := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	sub := &stubSubmitter{result: &models.QuickPayResult{Success: true, PaymentID: "pay-1", TxHash: "0xabc", ConfirmedAt: &confirmed}}
	s := newTestServer(Config{}, sub, &stubQueue{}, nil, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/quickpay", quickpayBody, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "pay-1", body["paymentId"])
	assert.Equal(t, "0xabc", body["txHash"])
	assert.Equal(t, "2026-03-14T12:00:00Z", body["confirmedAt"])

	assert.Equal(t, "pay-1", sub.got.PaymentID)
	assert.Equal(t, uint64(7), sub.got.Nonce)
	require.NotNil(t, sub.got.TokenDecimals)
	assert.Equal(t, 18, *sub.got.TokenDecimals)
}

func TestQuickPayQueued(t *testing.T) {
	sub := &stubSubmitter{result: &models.QuickPayResult{PaymentID: "pay-1", Queued: true}}
	s := newTestServer(Config{}, sub, &stubQueue{}, nil, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/quickpay", quickpayBody, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, true, body["queued"])
}

func TestQuickPayErrors(t *testing.T) {
	tests := map[string]struct {
		err  error
		code int
	}{
		"validation":   {&relayer.Error{Kind: relayer.KindValidation, Err: relayer.ErrDailyLimitExceeded}, http.StatusBadRequest},
		"conflict":     {&relayer.Error{Kind: relayer.KindConflict, Err: relayer.ErrPaymentInFlight}, http.StatusConflict},
		"fatal chain":  {&relayer.Error{Kind: relayer.KindChainFatal, Err: errors.New("reverted")}, http.StatusUnprocessableEntity},
		"transient":    {&relayer.Error{Kind: relayer.KindTransientChain, Err: errors.New("rpc down")}, http.StatusServiceUnavailable},
		"unclassified": {errors.New("boom"), http.StatusInternalServerError},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(Config{}, &stubSubmitter{err: tt.err}, &stubQueue{}, nil, nil)
			rec := do(t, s, http.MethodPost, "/api/v1/quickpay", quickpayBody, "")
			assert.Equal(t, tt.code, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
}

func TestQuickPayMalformedBody(t *testing.T) {
	s := newTestServer(Config{}, &stubSubmitter{}, &stubQueue{}, nil, nil)
	rec := do(t, s, http.MethodPost, "/api/v1/quickpay", "{not json", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuickPayMethodNotAllowed(t *testing.T) {
	s := newTestServer(Config{}, &stubSubmitter{}, &stubQueue{}, nil, nil)
	rec := do(t, s, http.MethodGet, "/api/v1/quickpay", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestQueueStatus(t *testing.T) {
	oldest := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)
	q := &stubQueue{status: &models.QueueStatus{QueueLength: 2, OldestPaymentTimestamp: &oldest, IsProcessing: true}}
	s := newTestServer(Config{OperatorAPIKey: "op-key"}, &stubSubmitter{}, q, nil, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/queue/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/queue/status", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/queue/status", "", "op-key")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["queueLength"])
	assert.Equal(t, "2026-03-14T11:00:00Z", body["oldestPaymentTimestamp"])
	assert.Equal(t, true, body["isProcessing"])
}

func TestQueueStatusEmpty(t *testing.T) {
	s := newTestServer(Config{}, &stubSubmitter{}, &stubQueue{status: &models.QueueStatus{}}, nil, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/queue/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(0), body["queueLength"])
	v, present := body["oldestPaymentTimestamp"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(Config{}, &stubSubmitter{}, &stubQueue{}, nil, nil)

	rec := do(t, s, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/ready", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "mock", body["mode"])
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, "closed", body["circuit"])
}

func TestReadyUnfunded(t *testing.T) {
	client := unfundedLedger{ledger.NewMockClient(big.NewInt(8453), &logger.EmptyLogger{})}
	s := newTestServer(Config{}, &stubSubmitter{}, &stubQueue{}, client, nil)

	rec := do(t, s, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, decode(t, rec)["ready"])
}

func TestMetricsAuth(t *testing.T) {
	s := newTestServer(Config{MetricsAPIKey: "metrics-key"}, &stubSubmitter{}, &stubQueue{}, nil, nil)

	rec := do(t, s, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodGet, "/metrics", "", "metrics-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relayer_http_requests_total")
}

func TestCircuitReset(t *testing.T) {
	breaker := circuitbreaker.NewCircuitBreaker(true, 1, time.Minute, time.Hour, &logger.EmptyLogger{})
	breaker.RecordFailure()
	require.True(t, breaker.IsOpen())

	s := newTestServer(Config{OperatorAPIKey: "op-key"}, &stubSubmitter{}, &stubQueue{}, nil, breaker)

	rec := do(t, s, http.MethodGet, "/ready", "", "")
	assert.Equal(t, "open", decode(t, rec)["circuit"])

	rec = do(t, s, http.MethodPost, "/api/v1/circuit/reset", "", "op-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, breaker.IsOpen())
}
