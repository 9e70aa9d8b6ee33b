package engine

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
)

// HTTPEngine posts research requests to a remote engine at {baseURL}/research.
//
// Only refusals (429, 503) are retried: the engine has not started any work
// for those, so resending does not repeat a unit of work.
type HTTPEngine struct {
	client  *http.Client
	baseURL string
	apiKey  string
	retries int
	backoff time.Duration
}

// NewHTTPEngine builds a client. timeout bounds a whole research call.
func NewHTTPEngine(baseURL, apiKey string, timeout time.Duration, retries int) (*HTTPEngine, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("engine.url must be provided")
	}
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	if retries < 0 {
		retries = 0
	}
	return &HTTPEngine{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  apiKey,
		retries: retries,
		backoff: 500 * time.Millisecond,
	}, nil
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// Research implements Engine.
func (e *HTTPEngine) Research(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return Result{}, ErrEmptyQuery
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}

	var lastErr error
	tries := e.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		res, retry, err := e.post(ctx, req.ResearchID, payload)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retry {
			break
		}
		if attempt < tries-1 {
			select {
			case <-time.After(e.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}
	}
	return Result{}, lastErr
}

func (e *HTTPEngine) post(ctx context.Context, researchID string, payload []byte) (Result, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/research", bytes.NewReader(payload))
	if err != nil {
		return Result{}, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Research-ID", researchID)
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Result{}, false, fmt.Errorf("research engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out Result
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Result{}, false, fmt.Errorf("decode research result: %w", err)
		}
		return out, false, nil
	}

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(b))
	var eb errorBody
	if json.Unmarshal(b, &eb) == nil {
		switch {
		case eb.Error != "":
			msg = eb.Error
		case eb.Detail != "":
			msg = eb.Detail
		}
	}
	retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable
	return Result{}, retry, errors.New(resp.Status + ": " + msg)
}
