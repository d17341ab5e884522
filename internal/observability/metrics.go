package observability

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

type seriesKind int

const (
	kindCounter seriesKind = iota
	kindGauge
)

type series struct {
	kind   seriesKind
	name   string
	labels map[string]string
	value  float64
}

type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

type Snapshot struct {
	Counters []MetricPoint `json:"counters"`
	Gauges   []MetricPoint `json:"gauges"`
}

// Registry is a process-local counter/gauge store. The pool mirrors its
// scheduling counters here so they are scrapeable without a metrics backend.
type Registry struct {
	mu     sync.Mutex
	series map[string]*series
}

func NewRegistry() *Registry {
	return &Registry{series: make(map[string]*series)}
}

var Default = NewRegistry()

// IncCounter adds delta to the named counter series. A zero delta is a no-op
// and never creates the series.
func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsert(kindCounter, name, labels).value += delta
}

// SetGauge replaces the value of the named gauge series.
func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsert(kindGauge, name, labels).value = value
}

func (r *Registry) upsert(kind seriesKind, name string, labels map[string]string) *series {
	key := seriesKey(kind, name, labels)
	s, ok := r.series[key]
	if !ok {
		s = &series{kind: kind, name: name, labels: cloneLabels(labels)}
		r.series[key] = s
	}
	return s
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{Counters: []MetricPoint{}, Gauges: []MetricPoint{}}
	for _, s := range r.series {
		p := MetricPoint{Name: s.name, Labels: cloneLabels(s.labels), Value: s.value}
		if s.kind == kindCounter {
			out.Counters = append(out.Counters, p)
		} else {
			out.Gauges = append(out.Gauges, p)
		}
	}
	sort.Slice(out.Counters, func(i, j int) bool { return out.Counters[i].Name < out.Counters[j].Name })
	sort.Slice(out.Gauges, func(i, j int) bool { return out.Gauges[i].Name < out.Gauges[j].Name })
	return out
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.series = make(map[string]*series)
}

// RenderPrometheus renders every series in the Prometheus text exposition
// format, one sorted line per series, ending with a newline.
func (r *Registry) RenderPrometheus() string {
	snap := r.Snapshot()
	lines := make([]string, 0, len(snap.Counters)+len(snap.Gauges))
	for _, p := range snap.Counters {
		lines = append(lines, promLine(p))
	}
	for _, p := range snap.Gauges {
		lines = append(lines, promLine(p))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

func seriesKey(kind seriesKind, name string, labels map[string]string) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(kind)))
	b.WriteByte('|')
	b.WriteString(name)
	for _, k := range sortedKeys(labels) {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func promLine(p MetricPoint) string {
	var b strings.Builder
	b.WriteString(sanitizeMetricName(p.Name))
	if len(p.Labels) > 0 {
		b.WriteByte('{')
		for i, k := range sortedKeys(p.Labels) {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(sanitizeMetricName(k))
			b.WriteByte('=')
			b.WriteString(strconv.Quote(p.Labels[k]))
		}
		b.WriteByte('}')
	}
	b.WriteByte(' ')
	b.WriteString(strconv.FormatFloat(p.Value, 'f', -1, 64))
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sanitizeMetricName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "pool_metric"
	}
	out := make([]rune, 0, len(name))
	for i, r := range name {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (r >= '0' && r <= '9' && i > 0)
		if valid {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
