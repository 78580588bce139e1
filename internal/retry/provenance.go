package retry

import (
	"fmt"
	"time"
)

// Provenance is what the broker recorded about a dead-lettered message.
type Provenance struct {
	Retries    int64
	Exchange   string
	RoutingKey string
}

// ParseProvenance reads the most recent x-death entry. It reports false when
// the history is missing or lacks the count, the exchange or a routing key.
func ParseProvenance(headers map[string]any) (Provenance, bool) {
	deaths, ok := headers["x-death"].([]any)
	if !ok || len(deaths) == 0 {
		return Provenance{}, false
	}
	entry, ok := deaths[0].(map[string]any)
	if !ok {
		return Provenance{}, false
	}
	count, ok := asInt64(entry["count"])
	if !ok {
		return Provenance{}, false
	}
	exchange, ok := entry["exchange"].(string)
	if !ok {
		return Provenance{}, false
	}
	keys, ok := entry["routing-keys"].([]any)
	if !ok || len(keys) == 0 {
		return Provenance{}, false
	}
	key, ok := keys[0].(string)
	if !ok {
		return Provenance{}, false
	}
	return Provenance{Retries: count, Exchange: exchange, RoutingKey: key}, true
}

// Delay returns initial + initial*multiplier*(retries-1) seconds.
func Delay(initial, multiplier int, retries int64) time.Duration {
	secs := int64(initial) + int64(initial)*int64(multiplier)*(retries-1)
	if secs < 0 {
		secs = 0
	}
	return time.Duration(secs) * time.Second
}

// DelayQueueName names the delay queue shared by every message waiting the
// same delay before returning to exchange/key.
func DelayQueueName(exchange, key string, delay time.Duration) string {
	return fmt.Sprintf("%s-%s-%d-delay", exchange, key, delay.Milliseconds())
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int32:
		return int64(t), true
	case int16:
		return int64(t), true
	case int:
		return int64(t), true
	case uint8:
		return int64(t), true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}
