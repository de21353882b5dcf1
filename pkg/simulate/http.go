package simulate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"iamlp/pkg/httpx"
	"iamlp/pkg/models"
)

// HTTPEvaluator delegates policy evaluation to an external simulation
// service. Any transport failure or non-200 response is returned as an error
// so the simulator can fall back to local evaluation.
type HTTPEvaluator struct {
	URL        string
	Client     *http.Client
	Retries    int
	RetryDelay time.Duration
}

// NewHTTPEvaluatorFromEnv returns nil when SIMULATOR_URL is unset, which
// keeps the simulator fully local.
func NewHTTPEvaluatorFromEnv() *HTTPEvaluator {
	url := os.Getenv("SIMULATOR_URL")
	if url == "" {
		return nil
	}
	retries := 2
	if raw := os.Getenv("SIMULATOR_RETRIES"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			retries = n
		}
	}
	return &HTTPEvaluator{
		URL:        url,
		Client:     &http.Client{Timeout: 10 * time.Second},
		Retries:    retries,
		RetryDelay: 250 * time.Millisecond,
	}
}

type evaluateRequest struct {
	Policy models.PolicyDocument `json:"policy"`
	Cases  []models.ProbeCase    `json:"cases"`
}

type evaluateResponse struct {
	Decisions []struct {
		Action   string `json:"action"`
		Resource string `json:"resource"`
		Decision string `json:"decision"`
	} `json:"decisions"`
}

func (e *HTTPEvaluator) Evaluate(ctx context.Context, doc models.PolicyDocument, cases []models.ProbeCase) (map[Key]string, error) {
	payload, err := json.Marshal(evaluateRequest{Policy: doc, Cases: cases})
	if err != nil {
		return nil, fmt.Errorf("encode evaluate request: %w", err)
	}
	status, body, err := httpx.RequestJSON(ctx, e.Client, http.MethodPost, e.URL, payload, nil, e.Retries, e.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("evaluate request: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("evaluate request: unexpected status %d", status)
	}
	var resp evaluateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode evaluate response: %w", err)
	}
	results := make(map[Key]string, len(resp.Decisions))
	for _, d := range resp.Decisions {
		results[Key{Action: d.Action, Resource: d.Resource}] = d.Decision
	}
	return results, nil
}
