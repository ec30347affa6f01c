package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driftworks/conductor/engine/executor/security"
)

const (
	defaultIntegrationTimeout = 30 * time.Second
	maxIntegrationTimeout     = 120 * time.Second
	maxResponseBytes          = 1 << 20
)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// integrationData is the settings payload of an integration node
type integrationData struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	Body           json.RawMessage   `json:"body"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// integrationRunner performs the outbound call for integration nodes.
// Every target, including redirect hops, passes the SSRF screen first.
type integrationRunner struct {
	client    *http.Client
	validator *security.Validator
}

func newIntegrationRunner(client *http.Client) *integrationRunner {
	validator := security.NewValidator()
	if client == nil {
		client = &http.Client{
			Timeout: defaultIntegrationTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return validator.ValidateURL(req.URL.String())
			},
		}
	}
	return &integrationRunner{client: client, validator: validator}
}

func (r *integrationRunner) Run(ctx context.Context, data, input json.RawMessage) (json.RawMessage, error) {
	var cfg integrationData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, Permanent(fmt.Errorf("failed to parse integration node data: %w", err))
		}
	}
	if cfg.URL == "" {
		return nil, Permanent(fmt.Errorf("integration node has no url"))
	}
	if err := r.validator.ValidateURL(cfg.URL); err != nil {
		return nil, Permanent(fmt.Errorf("url rejected: %w", err))
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return nil, Permanent(fmt.Errorf("method %q is not allowed", cfg.Method))
	}

	body := cfg.Body
	if body == nil && method != http.MethodGet && method != http.MethodHead {
		body = input
	}

	timeout := defaultIntegrationTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout > maxIntegrationTimeout {
			timeout = maxIntegrationTimeout
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, reader)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("integration request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read integration response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("integration returned status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, Permanent(fmt.Errorf("integration returned status %d", resp.StatusCode))
	}

	output := map[string]interface{}{
		"status_code": resp.StatusCode,
	}
	if json.Valid(raw) && len(raw) > 0 {
		output["body"] = json.RawMessage(raw)
	} else {
		output["body"] = string(raw)
	}

	encoded, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal integration output: %w", err)
	}
	return encoded, nil
}
