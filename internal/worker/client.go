// Package worker dispatches task requests to remote worker services over HTTP
// and translates transport failures into typed errors.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/Iron-Ham/sessiond/internal/errors"
	"github.com/Iron-Ham/sessiond/internal/logging"
)

// Response statuses reported by workers.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Request is the body POSTed to a worker.
type Request struct {
	RequestID      string         `json:"requestID"`
	SessionID      string         `json:"sessionID"`
	BotType        string         `json:"botType"`
	TaskType       string         `json:"taskType"`
	Parameters     map[string]any `json:"parameters"`
	TimeoutSeconds int            `json:"timeoutSeconds"`
}

// Timeout returns the request timeout as a Duration.
func (r Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Response is a worker's reply.
type Response struct {
	RequestID            string         `json:"requestID"`
	SessionID            string         `json:"sessionID"`
	BotType              string         `json:"botType"`
	Status               string         `json:"status"`
	Result               map[string]any `json:"result,omitempty"`
	ErrorMessage         string         `json:"errorMessage,omitempty"`
	ConfidenceScore      float64        `json:"confidenceScore"`
	ExecutionTimeSeconds float64        `json:"executionTimeSeconds"`
}

// Client sends one task request to a worker. Implementations return a
// *errors.WorkerError or *errors.TimeoutError on failure.
type Client interface {
	Dispatch(ctx context.Context, req Request) (Response, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

// Dispatch calls f.
func (f ClientFunc) Dispatch(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	// Endpoint returns the base URL for a worker.
	Endpoint func(worker string) string
	// RequestsPerSecond limits dispatches per worker. 0 disables limiting.
	RequestsPerSecond float64
	Burst             int
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// HTTPClient dispatches to workers at POST {base}/orchestration/{taskType}.
type HTTPClient struct {
	endpoint func(string) string
	http     *http.Client
	tracer   trace.Tracer
	logger   *logging.Logger

	rps   float64
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	if opts.Endpoint == nil {
		opts.Endpoint = func(string) string { return "http://localhost:8000" }
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &HTTPClient{
		endpoint: opts.Endpoint,
		http:     opts.HTTPClient,
		tracer:   otel.Tracer("github.com/Iron-Ham/sessiond/internal/worker"),
		logger:   opts.Logger.WithPhase("worker"),
		rps:      opts.RequestsPerSecond,
		burst:    opts.Burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *HTTPClient) limiter(worker string) *rate.Limiter {
	if c.rps <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[worker]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.rps), c.burst)
		c.limiters[worker] = l
	}
	return l
}

// Dispatch sends req to its worker, bounded by req.TimeoutSeconds.
func (c *HTTPClient) Dispatch(ctx context.Context, req Request) (Response, error) {
	ctx, span := c.tracer.Start(ctx, "worker.dispatch", trace.WithAttributes(
		attribute.String("worker", req.BotType),
		attribute.String("task_type", req.TaskType),
		attribute.String("session_id", req.SessionID),
		attribute.String("request_id", req.RequestID),
	))
	defer span.End()

	resp, err := c.dispatch(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}
	span.SetAttributes(attribute.Float64("confidence", resp.ConfidenceScore))
	return resp, nil
}

func (c *HTTPClient) dispatch(parent context.Context, req Request) (Response, error) {
	ctx := parent
	if timeout := req.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	workerErr := func(msg string, cause error) *errors.WorkerError {
		return errors.NewWorkerError(msg, cause).WithWorker(req.BotType).WithSessionID(req.SessionID)
	}
	timedOut := func(cause error) error {
		if parent.Err() != nil {
			return errors.Wrapf(parent.Err(), "dispatch %s to %s", req.TaskType, req.BotType)
		}
		return errors.NewTimeoutError("dispatch "+req.TaskType, req.Timeout()).
			WithWorker(req.BotType).
			WithSessionID(req.SessionID).
			WithCause(cause)
	}

	if l := c.limiter(req.BotType); l != nil {
		if err := l.Wait(ctx); err != nil {
			return Response{}, timedOut(err)
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, workerErr("marshal request", err).WithKind(errors.KindDataCorruption)
	}

	endpoint := strings.TrimRight(c.endpoint(req.BotType), "/") + "/orchestration/" + req.TaskType
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, workerErr("create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", req.RequestID)

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, timedOut(err)
		}
		return Response{}, workerErr("request failed", err).WithKind(errors.KindNetwork)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		msg := fmt.Sprintf("status %s", httpResp.Status)
		if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
			msg += ": " + trimmed
		}
		return Response{}, workerErr(msg, nil).WithStatusCode(httpResp.StatusCode)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return Response{}, timedOut(err)
		}
		return Response{}, workerErr("decode response", fmt.Errorf("%w: %w", errors.ErrInvalidResponse, err)).
			WithKind(errors.KindDataCorruption)
	}

	c.logger.Debug("worker responded",
		"worker", req.BotType,
		"task_type", req.TaskType,
		"status", resp.Status,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	if resp.Status == StatusFailed {
		msg := resp.ErrorMessage
		if msg == "" {
			msg = "worker reported failure"
		}
		// Leave the kind empty so the classifier reads the worker's message.
		return resp, workerErr(msg, nil).WithKind("")
	}
	return resp, nil
}
