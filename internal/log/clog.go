package log

import (
	"context"
	"flag"
	"fmt"

	"github.com/golang/glog"
)

// unique type to prevent assignment collisions on the context key.
type clogContextKeyType struct{}

var clogContextKey = clogContextKeyType{}

var defaultLogLevel glog.Level = 3

type metadata map[string]any

func init() {
	if vFlag := flag.Lookup("v"); vFlag != nil {
		_ = vFlag.Value.Set(fmt.Sprintf("%d", defaultLogLevel))
	}
}

func (m metadata) Flat() []any {
	out := make([]any, 0, len(m)*2)
	for k, v := range m {
		out = append(out, k, v)
	}
	return out
}

// WithLogValues returns a new context carrying args merged into any existing
// logging metadata, for code that has no per-request logger but still wants
// consistent V-level tracing through VLogCtx.
func WithLogValues(ctx context.Context, args ...string) context.Context {
	old, _ := ctx.Value(clogContextKey).(metadata)
	next := metadata{}
	for k, v := range old {
		next[k] = v
	}
	for i := 1; i < len(args); i += 2 {
		next[args[i-1]] = args[i]
	}
	return context.WithValue(ctx, clogContextKey, next)
}

// VLogCtx logs message at glog verbosity level if V(level) is enabled,
// pulling request_id out of ctx metadata if present. Used for high-volume
// internals (transcode progress reporting) that would be too noisy at the
// default level.
func VLogCtx(ctx context.Context, level glog.Level, message string, args ...any) {
	if !glog.V(level) {
		return
	}
	var requestID string
	meta, _ := ctx.Value(clogContextKey).(metadata)
	allArgs := append([]any{}, meta.Flat()...)
	allArgs = append(allArgs, args...)
	if meta != nil {
		requestID, _ = meta["request_id"].(string)
	}
	strArgs := make([]interface{}, len(allArgs))
	copy(strArgs, allArgs)
	if requestID == "" {
		LogNoRequestID(message, strArgs...)
	} else {
		Log(requestID, message, strArgs...)
	}
}
