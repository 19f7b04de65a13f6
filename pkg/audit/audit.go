// Package audit records lifecycle transitions and admin operations as an
// append-only trail for governance and postmortems.
package audit

import (
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/srediag/plugin-host/pkg/lifecycle"
)

// Logger is the audit contract. Implementations must be safe for
// concurrent use.
type Logger interface {
	LogEvent(event string, details map[string]any) error
}

// Trail is a line-oriented audit log. Each entry is rendered as
// "<RFC3339 time> <event> k=v ..." with keys sorted for stable output.
type Trail struct {
	log *zap.Logger

	mu sync.Mutex
	w  io.Writer

	now func() time.Time
}

// New creates a Trail writing to w. A nil w records to the zap logger
// only.
func New(log *zap.Logger, w io.Writer) *Trail {
	if log == nil {
		log = zap.NewNop()
	}
	return &Trail{log: log.Named("audit"), w: w, now: time.Now}
}

// LogEvent appends one entry to the trail.
func (t *Trail) LogEvent(event string, details map[string]any) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	_, _ = buf.WriteString(t.now().UTC().Format(time.RFC3339Nano))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(event)

	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_ = buf.WriteByte(' ')
		_, _ = buf.WriteString(k)
		_ = buf.WriteByte('=')
		_, _ = buf.WriteString(renderValue(details[k]))
	}
	_ = buf.WriteByte('\n')

	t.log.Debug("audit", zap.String("event", event), zap.Any("details", details))
	if t.w == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.w.Write(buf.Bytes())
	return err
}

func renderValue(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case error:
		return strconv.Quote(x.Error())
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Duration:
		return x.String()
	case nil:
		return "nil"
	default:
		return "?"
	}
}

// TransitionListener adapts a Trail into the lifecycle controller's
// transition callback.
func TransitionListener(t *Trail) lifecycle.TransitionListener {
	return func(plugin string, from, to lifecycle.State, err error) {
		details := map[string]any{
			"plugin": plugin,
			"from":   from.String(),
			"to":     to.String(),
		}
		if err != nil {
			details["error"] = err
		}
		_ = t.LogEvent("lifecycle.transition", details)
	}
}
