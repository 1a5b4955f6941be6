package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/internal/rate"
	"github.com/Checker-Finance/order-stream/pkg/model"
)

// maxBody caps how much of a response is read.
const maxBody = 1 << 20

// Executor performs one rate-limited HTTP exchange and classifies failures as
// recoverable or terminal execution errors. Retrying is left to the caller's
// job queue so a venue never sees concurrent duplicates from this process.
type Executor struct {
	logger       *zap.Logger
	rateMgr      *rate.Manager
	http         *http.Client
	venueTag     string
	errorHandler func(status int, body []byte) error
}

// New creates an Executor. errorHandler is called on 4xx failure responses to produce a
// venue-specific error. If nil, a default terminal error is returned.
func New(
	logger *zap.Logger,
	rateMgr *rate.Manager,
	httpClient *http.Client,
	venueTag string,
	errorHandler func(status int, body []byte) error,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Executor{
		logger:       logger,
		rateMgr:      rateMgr,
		http:         httpClient,
		venueTag:     venueTag,
		errorHandler: errorHandler,
	}
}

// DoJSON executes req once with rate limiting, then JSON-decodes the response into out.
// rateLimitKey scopes the rate limiter. Transport errors, 429 and 5xx are
// recoverable; other 4xx are terminal.
func (e *Executor) DoJSON(ctx context.Context, req *http.Request, rateLimitKey string, out any) error {
	if e.rateMgr != nil {
		if err := e.rateMgr.Wait(ctx, rateLimitKey); err != nil {
			return model.Recoverable("rate limit wait", err)
		}
	}

	start := time.Now()
	resp, err := e.http.Do(req.WithContext(ctx))
	if err != nil {
		e.logger.Warn(e.venueTag+".http_failed",
			zap.String("url", req.URL.String()),
			zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) {
			return model.Recoverable("venue timeout", err)
		}
		return model.Recoverable("venue unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	elapsed := time.Since(start)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		e.logger.Warn(e.venueTag+".server_error",
			zap.Int("status", resp.StatusCode),
			zap.String("url", req.URL.String()),
			zap.Duration("latency", elapsed))
		return model.Recoverable(fmt.Sprintf("%s returned %d", e.venueTag, resp.StatusCode), nil)
	}

	if resp.StatusCode >= 400 {
		if e.errorHandler != nil {
			return e.errorHandler(resp.StatusCode, body)
		}
		return model.Terminal(fmt.Sprintf("%s returned %d", e.venueTag, resp.StatusCode), nil)
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			e.logger.Warn(e.venueTag+".decode_failed",
				zap.Error(err),
				zap.String("url", req.URL.String()),
				zap.String("body", string(body)))
			return model.Recoverable("decode venue response", err)
		}
	}

	e.logger.Debug(e.venueTag+".http_success",
		zap.String("url", req.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed))

	return nil
}
