// Package kit exposes engine operations over a transport. An Endpoint is a
// plain function from a decoded request to a JSON-encodable response;
// middlewares add request ids and logging without knowing the transport.
package kit

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/ediscovery/idgen"
)

// Endpoint is one operation.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain applies mws so that mws[0] sees the call first.
func Chain(mws ...Middleware) Middleware {
	return func(ep Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			ep = mws[i](ep)
		}
		return ep
	}
}

// WithRequestIDs gives every call without a request id a fresh one from
// gen, or a "req_" NanoID when gen is nil.
func WithRequestIDs(gen idgen.Generator) Middleware {
	if gen == nil {
		gen = idgen.Prefixed("req_", idgen.NanoID(12))
	}
	return func(ep Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			if RequestID(ctx) == "" {
				ctx = WithRequestID(ctx, gen())
			}
			return ep(ctx, req)
		}
	}
}

// Logging reports each call of the endpoint called name: failures at warn,
// successes at debug.
func Logging(logger *slog.Logger, name string) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ep Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := ep(ctx, req)
			attrs := append([]any{"endpoint", name, "transport", Transport(ctx), "elapsed", time.Since(start)}, LogAttrs(ctx)...)
			if err != nil {
				logger.WarnContext(ctx, "call failed", append(attrs, "error", err)...)
				return resp, err
			}
			logger.DebugContext(ctx, "call served", attrs...)
			return resp, nil
		}
	}
}
