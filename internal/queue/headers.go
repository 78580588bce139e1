package queue

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/streadway/amqp"
)

// FromTable converts amqp headers into plain Go maps and slices.
func FromTable(t amqp.Table) map[string]any {
	out := make(map[string]any, len(t))
	for k, v := range t {
		out[k] = fromField(v)
	}
	return out
}

func fromField(v any) any {
	switch fv := v.(type) {
	case amqp.Table:
		return FromTable(fv)
	case []interface{}:
		out := make([]any, len(fv))
		for i, e := range fv {
			out[i] = fromField(e)
		}
		return out
	default:
		return v
	}
}

// ToTable converts plain headers back into an amqp.Table the wire codec accepts.
func ToTable(h map[string]any) amqp.Table {
	if len(h) == 0 {
		return nil
	}
	out := make(amqp.Table, len(h))
	for k, v := range h {
		out[k] = toField(v)
	}
	return out
}

func toField(v any) any {
	switch fv := v.(type) {
	case map[string]any:
		return ToTable(fv)
	case amqp.Table:
		return fv
	case []any:
		out := make([]interface{}, len(fv))
		for i, e := range fv {
			out[i] = toField(e)
		}
		return out
	case []string:
		out := make([]interface{}, len(fv))
		for i, e := range fv {
			out[i] = e
		}
		return out
	case int:
		return int64(fv)
	case uint32:
		return int64(fv)
	default:
		return v
	}
}

// HeaderText renders a header value as text for archival.
func HeaderText(v any) string {
	switch fv := v.(type) {
	case nil:
		return ""
	case string:
		return fv
	case []byte:
		return string(fv)
	case time.Time:
		return fv.UTC().Format(time.RFC3339)
	case map[string]any:
		keys := make([]string, 0, len(fv))
		for k := range fv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+HeaderText(fv[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case []any:
		parts := make([]string, 0, len(fv))
		for _, e := range fv {
			parts = append(parts, HeaderText(e))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprint(fv)
	}
}
