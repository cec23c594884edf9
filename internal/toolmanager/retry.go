package toolmanager

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/basilisklabs/toolmesh/internal/breaker"
	"github.com/basilisklabs/toolmesh/internal/jsonrpc"
)

// retryConfig is the single tool-call retry policy: exponential backoff
// with jitter. There is deliberately only one retry layer — spec's source
// material carried two concurrently-present layers (ToolManager-level and
// an external recovery service); this consolidates them into one.
type retryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// isRetryableTransportError reports whether err — a transport/protocol
// failure returned by [server.Client] — should trigger a retry. Tool-
// returned errors (CallToolResult.IsError) are never passed to this
// function; they are terminal by construction. A breaker-open rejection is
// also terminal: retrying into an open breaker just re-fails immediately.
// A JSON-RPC response carrying an error object is a protocol error, also
// terminal: the server understood and rejected the request, so retrying
// without changing it just reproduces the same rejection.
func isRetryableTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, breaker.ErrOpen) {
		return false
	}
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	return true
}

// doWithRetry runs fn under retryConfig. fn's error must already be
// filtered to "is this a transport/protocol failure" — doWithRetry does not
// inspect it beyond isRetryableTransportError. ctx cancellation aborts the
// backoff sleep immediately.
func doWithRetry(ctx context.Context, cfg retryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableTransportError(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(calculateBackoff(cfg, attempt)):
		}
	}
	return lastErr
}

func calculateBackoff(cfg retryConfig, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}
