package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/speedrun-hq/session-relayer/pkg/logger"
	"github.com/speedrun-hq/session-relayer/pkg/models"
)

// HTTPStore reads and writes payments through the payment service API
type HTTPStore struct {
	endpoint   string
	httpClient *http.Client
	logger     logger.Logger
}

var _ PaymentStore = (*HTTPStore)(nil)

// NewHTTPStore creates a payment API client
func NewHTTPStore(endpoint string, log logger.Logger) *HTTPStore {
	return &HTTPStore{
		endpoint:   endpoint,
		httpClient: createHTTPClient(),
		logger:     log,
	}
}

func (s *HTTPStore) paymentURL(id string) string {
	return s.endpoint + "/api/v1/payments/" + url.PathEscape(id)
}

func (s *HTTPStore) FindByID(ctx context.Context, id string) (*models.Payment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.paymentURL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %v", err)
	}

	body, status, err := s.do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment %s: %v", id, err)
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", status, string(body))
	}

	var p models.Payment
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payment: %v, body: %s", err, string(body))
	}
	return &p, nil
}

// Save sends the payment with PUT. The service merges metadata.
func (s *HTTPStore) Save(ctx context.Context, p *models.Payment) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode payment: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.paymentURL(p.ID), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, status, err := s.do(req)
	if err != nil {
		return fmt.Errorf("failed to save payment %s: %v", p.ID, err)
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return fmt.Errorf("unexpected status code: %d, body: %s", status, string(body))
	}
	return nil
}

func (s *HTTPStore) do(req *http.Request) ([]byte, int, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			s.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	// Read the response body regardless of status code
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %v", err)
	}
	return bodyBytes, resp.StatusCode, nil
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
