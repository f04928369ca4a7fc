package messaging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/mmate-worker/contracts"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ForwardHandler relays each message to a downstream HTTP service.
// Transport failures and non-2xx responses become ProcessingErrors so the
// delivery is requeued for another attempt.
type ForwardHandler struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	logger   *slog.Logger
}

// ForwardOption configures the ForwardHandler
type ForwardOption func(*ForwardHandler)

// WithForwardClient overrides the HTTP client. The client is used as is.
func WithForwardClient(client *http.Client) ForwardOption {
	return func(h *ForwardHandler) {
		h.client = client
	}
}

// WithForwardTimeout sets the per-request timeout of the default client.
// It has no effect together with WithForwardClient.
func WithForwardTimeout(timeout time.Duration) ForwardOption {
	return func(h *ForwardHandler) {
		h.timeout = timeout
	}
}

// WithForwardLogger sets the logger
func WithForwardLogger(logger *slog.Logger) ForwardOption {
	return func(h *ForwardHandler) {
		h.logger = logger
	}
}

// NewForwardHandler creates a handler posting to endpoint
func NewForwardHandler(endpoint string, options ...ForwardOption) (*ForwardHandler, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("forward endpoint cannot be empty")
	}

	h := &ForwardHandler{
		endpoint: endpoint,
		timeout:  10 * time.Second,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(h)
	}

	if h.client == nil {
		h.client = &http.Client{
			Timeout:   h.timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return h, nil
}

// Handle implements MessageHandler
func (h *ForwardHandler) Handle(ctx context.Context, msg *contracts.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return contracts.NewProcessingError(msg.ID, "encode message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return contracts.NewProcessingError(msg.ID, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Message-Id", msg.ID)
	req.Header.Set("X-Message-Type", msg.MessageType)

	resp, err := h.client.Do(req)
	if err != nil {
		return contracts.NewProcessingError(msg.ID, "forward request", err)
	}
	defer resp.Body.Close()

	// drain for connection reuse; the status code decides the outcome
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)); err != nil {
		h.logger.DebugContext(ctx, "failed to drain forward response", "error", err, "messageId", msg.ID)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return contracts.NewProcessingError(msg.ID,
			fmt.Sprintf("downstream responded %d", resp.StatusCode), nil)
	}

	h.logger.DebugContext(ctx, "message forwarded",
		"messageId", msg.ID,
		"endpoint", h.endpoint,
		"status", resp.StatusCode,
	)
	return nil
}
