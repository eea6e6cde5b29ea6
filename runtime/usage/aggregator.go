package usage

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Aggregator merges metrics events into running totals. Numeric fields are
// summed; gauge keys and non-numeric fields take the latest value. It is
// safe for concurrent use.
type Aggregator struct {
	mu     sync.Mutex
	totals map[string]any
	events map[Kind]int
	gauges sets.Set[string]
}

// NewAggregator creates an Aggregator. gauges defaults to DefaultGauges when
// none are given.
func NewAggregator(gauges ...string) *Aggregator {
	if len(gauges) == 0 {
		gauges = DefaultGauges
	}
	return &Aggregator{
		totals: make(map[string]any),
		events: make(map[Kind]int),
		gauges: sets.New(gauges...),
	}
}

// Collect merges ev into the totals. Unknown keys are added.
func (a *Aggregator) Collect(ev MetricsEvent) {
	if ev == nil {
		return
	}
	fields := ev.Fields()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.events[ev.Kind()]++
	for k, v := range fields {
		n, numeric := toFloat(v)
		if !numeric {
			a.totals[k] = v
			continue
		}
		if prev, ok := a.totals[k].(float64); ok && !a.gauges.Has(k) {
			a.totals[k] = prev + n
			continue
		}
		a.totals[k] = n
	}
}

// Summary returns a copy of the current totals. It never fails; before any
// Collect call the summary is empty.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Summary(maps.Clone(a.totals))
}

// EventCounts returns how many events of each kind were collected.
func (a *Aggregator) EventCounts() map[Kind]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.events)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case time.Duration:
		return float64(n) / float64(time.Millisecond), true
	default:
		return 0, false
	}
}

// Summary is the end-of-session usage report. Numeric values are float64.
type Summary map[string]any

// Float returns a numeric entry, or 0.
func (s Summary) Float(key string) float64 {
	f, _ := s[key].(float64)
	return f
}

// Int returns a numeric entry truncated to an integer, or 0.
func (s Summary) Int(key string) int64 {
	return int64(s.Float(key))
}

// Keys returns the summary keys in sorted order.
func (s Summary) Keys() []string {
	return slices.Sorted(maps.Keys(s))
}

// Empty reports whether nothing was collected.
func (s Summary) Empty() bool {
	return len(s) == 0
}

// String renders the summary as sorted key=value pairs. Token counts use
// K/M suffixes.
func (s Summary) String() string {
	if s.Empty() {
		return "no usage"
	}
	parts := make([]string, 0, len(s))
	for _, k := range s.Keys() {
		parts = append(parts, k+"="+formatValue(k, s[k]))
	}
	return strings.Join(parts, " ")
}

// Attrs flattens the summary into slog key/value pairs in key order.
func (s Summary) Attrs() []any {
	attrs := make([]any, 0, 2*len(s))
	for _, k := range s.Keys() {
		attrs = append(attrs, k, s[k])
	}
	return attrs
}

func formatValue(key string, v any) string {
	f, ok := v.(float64)
	if !ok {
		return fmt.Sprint(v)
	}
	if strings.HasSuffix(key, "_tokens") || strings.HasSuffix(key, "_count") {
		return HumanTokens(int(f))
	}
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%.2f", f)
}
