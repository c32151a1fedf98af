package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/corsair-labs/marketplace-orchestrator/internal/orcherr"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
)

// HTTPService is the Direct family's reference implementation: every
// method issues one JSON HTTP call to baseURL, the pattern the teacher
// uses in its external-classifier and retention-webhook calls
// (dlq-remediation-pipeline/classifier.go, long-term-archives/retention_manager.go).
// Concrete marketplaces (M2, M3) differ only in BaseURL/Headers/endpoint
// shape, which is out of core scope per spec.md §4.4.
type HTTPService struct {
	BaseURL    string
	Headers    map[string]string
	HTTPClient *http.Client
}

func NewHTTPService(baseURL string, headers map[string]string) *HTTPService {
	return &HTTPService{
		BaseURL:    baseURL,
		Headers:    headers,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPService) call(ctx context.Context, rc reqctx.Request, method, path string, body map[string]any) Result {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return Result{Err: orcherr.Wrap(orcherr.KindInvalidInput, "marshal request body", err)}
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, reader)
	if err != nil {
		return Result{Err: orcherr.Wrap(orcherr.KindUpstreamFailure, "build request", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", rc.Tenant.String())
	req.Header.Set("X-Correlation-ID", rc.CorrelationID)
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return Result{Err: orcherr.Wrap(orcherr.KindUpstreamFailure, "marketplace request failed", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Result{Err: orcherr.New(orcherr.KindRateLimited, "marketplace rate limit")}
	}
	if resp.StatusCode >= 500 {
		return Result{Err: orcherr.New(orcherr.KindUpstreamFailure, fmt.Sprintf("marketplace returned %d", resp.StatusCode))}
	}
	if resp.StatusCode >= 400 {
		return Result{Err: orcherr.New(orcherr.KindInvalidInput, fmt.Sprintf("marketplace rejected request: %d", resp.StatusCode))}
	}

	var out map[string]any
	if resp.ContentLength != 0 {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Result{Err: orcherr.Wrap(orcherr.KindUpstreamFailure, "decode marketplace response", err)}
		}
	}
	return Result{Success: true, Result: out}
}

func (s *HTTPService) Publish(ctx context.Context, rc reqctx.Request, productID string, input map[string]any) Result {
	return s.call(ctx, rc, http.MethodPost, "/products/"+productID, input)
}

func (s *HTTPService) Update(ctx context.Context, rc reqctx.Request, productID string, input map[string]any) Result {
	return s.call(ctx, rc, http.MethodPut, "/products/"+productID, input)
}

func (s *HTTPService) Delete(ctx context.Context, rc reqctx.Request, productID string) Result {
	return s.call(ctx, rc, http.MethodDelete, "/products/"+productID, nil)
}

func (s *HTTPService) SyncListings(ctx context.Context, rc reqctx.Request, input map[string]any) Result {
	return s.call(ctx, rc, http.MethodPost, "/listings/sync", input)
}

func (s *HTTPService) SyncOrders(ctx context.Context, rc reqctx.Request, input map[string]any) Result {
	return s.call(ctx, rc, http.MethodPost, "/orders/sync", input)
}

var _ Direct = (*HTTPService)(nil)
