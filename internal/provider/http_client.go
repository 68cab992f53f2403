package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"callgate/internal/observability"
)

// HTTPPlacer talks to the telephony provider's call-placement API.
//
// The circuit breaker protects the dispatch path: when the provider is down,
// placements fail fast instead of piling up on slow timeouts while slots stay
// reserved.
type HTTPPlacer struct {
	BaseURL   string
	AuthToken string
	HTTP      *http.Client
	Breaker   *gobreaker.CircuitBreaker
}

func NewHTTPPlacer(baseURL, authToken string) *HTTPPlacer {
	return &HTTPPlacer{
		BaseURL:   baseURL,
		AuthToken: authToken,
		HTTP:      &http.Client{Timeout: 10 * time.Second},
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "provider-place-call",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (p *HTTPPlacer) Name() string { return "http" }

type placeCallResponse struct {
	ExecutionID string `json:"execution_id"`
	Error       string `json:"error,omitempty"`
}

func (p *HTTPPlacer) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if req.TenantID == "" || req.CallID == "" || req.To == "" {
		return PlaceCallResult{}, errors.New("provider: tenant_id, call_id and to are required")
	}

	start := time.Now()
	out, err := p.Breaker.Execute(func() (any, error) {
		return p.placeOnce(ctx, req)
	})
	observability.ProviderPlaceLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.ProviderPlace.WithLabelValues("error").Inc()
		return PlaceCallResult{}, err
	}
	observability.ProviderPlace.WithLabelValues("ok").Inc()
	return out.(PlaceCallResult), nil
}

func (p *HTTPPlacer) placeOnce(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	body, _ := json.Marshal(req)
	endpoint := strings.TrimRight(p.BaseURL, "/") + "/v1/calls"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return PlaceCallResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.AuthToken)
	}

	resp, err := p.HTTP.Do(httpReq)
	if err != nil {
		return PlaceCallResult{}, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var parsed placeCallResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parsed.Error != "" {
			return PlaceCallResult{}, fmt.Errorf("provider: place call failed (%d): %s", resp.StatusCode, parsed.Error)
		}
		return PlaceCallResult{}, fmt.Errorf("provider: place call failed (%d)", resp.StatusCode)
	}
	if parsed.ExecutionID == "" {
		return PlaceCallResult{}, errors.New("provider: response missing execution_id")
	}
	return PlaceCallResult{ProviderExecID: parsed.ExecutionID, AcceptedAt: time.Now().UTC()}, nil
}

// HTTPAnalysisClient implements Transcriber and LeadExtractor against the
// analysis services. Both calls are fire-and-forget from the pipeline's view:
// results come back asynchronously through the push status webhook.
type HTTPAnalysisClient struct {
	TranscribeURL string
	ExtractURL    string
	AuthToken     string
	HTTP          *http.Client
	Breaker       *gobreaker.CircuitBreaker
}

func NewHTTPAnalysisClient(transcribeURL, extractURL, authToken string) *HTTPAnalysisClient {
	return &HTTPAnalysisClient{
		TranscribeURL: transcribeURL,
		ExtractURL:    extractURL,
		AuthToken:     authToken,
		HTTP:          &http.Client{Timeout: 15 * time.Second},
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "analysis",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (c *HTTPAnalysisClient) RequestTranscription(ctx context.Context, req TranscriptionRequest) error {
	if req.CallID == "" || req.RecordingURL == "" {
		return errors.New("provider: call_id and recording_url are required")
	}
	return c.post(ctx, c.TranscribeURL, req)
}

func (c *HTTPAnalysisClient) ExtractLeads(ctx context.Context, req LeadExtractionRequest) error {
	if req.CallID == "" {
		return errors.New("provider: call_id is required")
	}
	return c.post(ctx, c.ExtractURL, req)
}

func (c *HTTPAnalysisClient) post(ctx context.Context, endpoint string, payload any) error {
	_, err := c.Breaker.Execute(func() (any, error) {
		body, _ := json.Marshal(payload)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.AuthToken != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.AuthToken)
		}
		resp, err := c.HTTP.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("provider: analysis call failed (%d)", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

// HTTPCreditChecker asks the billing service whether a tenant may spend.
type HTTPCreditChecker struct {
	BaseURL   string
	AuthToken string
	HTTP      *http.Client
}

func NewHTTPCreditChecker(baseURL, authToken string) *HTTPCreditChecker {
	return &HTTPCreditChecker{
		BaseURL:   baseURL,
		AuthToken: authToken,
		HTTP:      &http.Client{Timeout: 5 * time.Second},
	}
}

type creditResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func (c *HTTPCreditChecker) CanSpend(ctx context.Context, tenantID string) (bool, string, error) {
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/v1/tenants/" + tenantID + "/capacity"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, "", err
	}
	if c.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, "", fmt.Errorf("provider: credit check failed (%d)", resp.StatusCode)
	}
	var parsed creditResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return false, "", err
	}
	return parsed.Allowed, parsed.Reason, nil
}
