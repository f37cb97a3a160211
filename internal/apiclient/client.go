// Package apiclient is the HTTP transport to the OhmGuard REST API.
// It maps responses to the client error taxonomy and traces every call with OpenTelemetry.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 4 << 20
	tracerName     = "github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/apiclient"
)

// Client sends JSON requests to the API. It is safe for concurrent use.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
}

// New returns a client for baseURL whose requests give up after timeout (15s when <= 0).
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
	}
}

// Request describes one API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Token is sent as a Bearer credential when non-empty.
	Token string
	// Body is JSON-encoded when non-nil.
	Body any
}

// Do performs req and decodes a 2xx JSON response into out (which may be nil).
// Non-2xx responses are mapped by classify; transport failures become *NetworkError.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	op := req.Method + " " + req.Path
	ctx, span := c.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.Path),
		))
	defer span.End()

	err := c.do(ctx, op, req, out, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) do(ctx context.Context, op string, req Request, out any, span trace.Span) error {
	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	u := c.BaseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	start := time.Now()
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		c.logger.Debug("api request failed", "op", op, "error", err)
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	c.logger.Debug("api request", "op", op, "status", resp.StatusCode, "elapsed", time.Since(start))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify(op, resp.StatusCode, errorDetail(raw))
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if rawOut, ok := out.(*json.RawMessage); ok {
		*rawOut = append((*rawOut)[:0], raw...)
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// errorDetail extracts FastAPI-style {"detail": "..."} or {"error": "..."} messages.
func errorDetail(raw []byte) string {
	var body struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return strings.TrimSpace(string(raw))
	}
	if s, ok := body.Detail.(string); ok && s != "" {
		return s
	}
	return body.Error
}
