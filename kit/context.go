package kit

import "context"

// Transports an endpoint can be reached through.
const (
	TransportLocal = "local"
	TransportMCP   = "mcp"
	TransportHTTP  = "http"
)

type ctxKey int

const (
	transportKey ctxKey = iota
	requestKey
	unitKey
)

// WithTransport records how the current call arrived.
func WithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportKey, transport)
}

// Transport is the transport recorded on ctx, TransportLocal for calls
// made in process.
func Transport(ctx context.Context) string {
	if v, ok := ctx.Value(transportKey).(string); ok {
		return v
	}
	return TransportLocal
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestKey, id)
}

func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestKey).(string)
	return v
}

// WithUnit tags ctx with the processing unit it runs under.
func WithUnit(ctx context.Context, unit string) context.Context {
	return context.WithValue(ctx, unitKey, unit)
}

func Unit(ctx context.Context) string {
	v, _ := ctx.Value(unitKey).(string)
	return v
}

// LogAttrs returns the call attributes set on ctx as slog key/value pairs.
func LogAttrs(ctx context.Context) []any {
	var attrs []any
	if v := RequestID(ctx); v != "" {
		attrs = append(attrs, "request_id", v)
	}
	if v := Unit(ctx); v != "" {
		attrs = append(attrs, "unit", v)
	}
	return attrs
}
