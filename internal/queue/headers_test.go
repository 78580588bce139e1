package queue

import (
	"testing"

	"github.com/streadway/amqp"
)

func TestFromTableNormalizesDeathHistory(t *testing.T) {
	headers := FromTable(amqp.Table{
		"x-death": []interface{}{
			amqp.Table{
				"count":        int64(2),
				"exchange":     "document.requests",
				"routing-keys": []interface{}{"document.request"},
			},
		},
	})

	deaths, ok := headers["x-death"].([]any)
	if !ok || len(deaths) != 1 {
		t.Fatalf("expected one x-death entry, got %#v", headers["x-death"])
	}
	entry, ok := deaths[0].(map[string]any)
	if !ok {
		t.Fatalf("expected map entry, got %T", deaths[0])
	}
	if entry["exchange"] != "document.requests" {
		t.Fatalf("unexpected exchange %v", entry["exchange"])
	}
	keys, ok := entry["routing-keys"].([]any)
	if !ok || keys[0] != "document.request" {
		t.Fatalf("unexpected routing keys %#v", entry["routing-keys"])
	}
}

func TestToTableProducesValidTable(t *testing.T) {
	table := ToTable(map[string]any{
		"x-death-count": 3,
		"nested":        map[string]any{"keys": []string{"a", "b"}},
		"traceparent":   "00-abc-def-01",
	})
	if err := table.Validate(); err != nil {
		t.Fatalf("table should validate: %v", err)
	}
	if table["x-death-count"] != int64(3) {
		t.Fatalf("expected int64 count, got %T", table["x-death-count"])
	}
	if _, ok := table["nested"].(amqp.Table); !ok {
		t.Fatalf("expected nested amqp.Table, got %T", table["nested"])
	}
}

func TestHeaderText(t *testing.T) {
	got := HeaderText(map[string]any{"count": int64(1), "exchange": "ex"})
	if got != "{count=1, exchange=ex}" {
		t.Fatalf("unexpected text %q", got)
	}
	if HeaderText([]byte("raw")) != "raw" {
		t.Fatalf("expected bytes rendered as text")
	}
}
