// Package webhook performs the HTTP requests of external-webhook nodes.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dukex/callflow/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultAttempts         = 1
	DefaultRetryDelay       = 200 * time.Millisecond
	DefaultMaxResponseBytes = 1 << 20
	DefaultTimeout          = 10 * time.Second
)

type Config struct {
	// Attempts is the number of tries for network errors and 5xx responses. 4xx responses
	// are never retried.
	Attempts         int
	RetryDelay       time.Duration
	MaxResponseBytes int64
	// Client defaults to a client with an OpenTelemetry transport.
	Client *http.Client
}

// Caller turns webhook-request commands into webhook results.
type Caller struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

func NewCaller(config Config, logger *slog.Logger) *Caller {
	if config.Attempts <= 0 {
		config.Attempts = DefaultAttempts
	}

	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}

	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = DefaultMaxResponseBytes
	}

	client := config.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &Caller{
		config: config,
		client: client,
		logger: logger.With("module", "webhook"),
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Call performs the request of command within its timeout. It never fails: transport
// errors and non-2xx responses become results with status error.
func (c *Caller) Call(ctx context.Context, command *models.Command) *models.WebhookResult {
	timeout := DefaultTimeout
	if command.Timeout > 0 {
		timeout = time.Duration(command.Timeout) * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempts := 0

	result, err := backoff.Retry(ctx, func() (*models.WebhookResult, error) {
		attempts++

		result, err := c.do(ctx, command)

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode < http.StatusInternalServerError {
			return nil, backoff.Permanent(err)
		}

		return result, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.config.RetryDelay)),
		backoff.WithMaxTries(uint(c.config.Attempts)),
	)
	if err != nil {
		c.logger.WarnContext(ctx, "webhook failed",
			"call_id", command.CallID, "command_id", command.ID, "url", command.URL, "attempts", attempts, "error", err)

		failed := &models.WebhookResult{Status: models.WebhookStatusError, Error: err.Error()}

		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			failed.StatusCode = statusErr.StatusCode
		}

		return failed
	}

	return result
}

func (c *Caller) do(ctx context.Context, command *models.Command) (*models.WebhookResult, error) {
	method := strings.ToUpper(command.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if command.Body != "" {
		body = strings.NewReader(command.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, command.URL, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	for name, value := range command.Headers {
		req.Header.Set(name, value)
	}

	if command.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("X-Call-ID", command.CallID)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}

	return &models.WebhookResult{
		Status:     models.WebhookStatusSuccess,
		StatusCode: resp.StatusCode,
		Data:       decode(payload),
	}, nil
}

// decode exposes a JSON object response as is. Other JSON values are found under "value"
// and non-JSON bodies under "body".
func decode(payload []byte) map[string]any {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return map[string]any{}
	}

	var parsed any

	err := json.Unmarshal(payload, &parsed)
	if err != nil {
		return map[string]any{"body": string(payload)}
	}

	if object, ok := parsed.(map[string]any); ok {
		return object
	}

	return map[string]any{"value": parsed}
}
