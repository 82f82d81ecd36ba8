package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"depthwatch/internal/metrics"
)

// history keeps the latest limit items in arrival order.
type history[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newHistory[T any](limit int) *history[T] {
	if limit <= 0 {
		limit = 200
	}
	return &history[T]{limit: limit}
}

func (h *history[T]) push(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, v)
	if over := len(h.items) - h.limit; over > 0 {
		h.items = append([]T(nil), h.items[over:]...)
	}
}

// filter copies the items accepted by keep. A nil keep accepts everything.
func (h *history[T]) filter(keep func(T) bool) []T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]T, 0, len(h.items))
	for _, it := range h.items {
		if keep == nil || keep(it) {
			out = append(out, it)
		}
	}
	return out
}

// metricStore feeds /api/metrics from the metric handler registry.
type metricStore struct {
	recent *history[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{recent: newHistory[metrics.Metric](limit)}
}

func (s *metricStore) handle(m metrics.Metric) { s.recent.push(m) }

func (s *metricStore) snapshot() []metrics.Metric { return s.query("", "") }

// query narrows the retained metrics to a component and/or a pair symbol.
func (s *metricStore) query(component, pair string) []metrics.Metric {
	return s.recent.filter(func(m metrics.Metric) bool {
		if component != "" && m.Component != component {
			return false
		}
		if pair != "" {
			p, _ := m.Fields["pair"].(string)
			return p == pair
		}
		return true
	})
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Pair      string                 `json:"pair,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`

	level logrus.Level
}

// logStore is a logrus hook retaining the latest entries of the process logger.
// Hooks cannot be removed from logrus, so close only mutes it.
type logStore struct {
	recent *history[logRecord]
	muted  atomic.Bool
}

func newLogStore(limit int) *logStore {
	return &logStore{recent: newHistory[logRecord](limit)}
}

func (s *logStore) Levels() []logrus.Level { return logrus.AllLevels }

func (s *logStore) Fire(entry *logrus.Entry) error {
	if s.muted.Load() {
		return nil
	}

	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		level:     entry.Level,
	}
	for k, v := range entry.Data {
		switch k {
		case "component":
			rec.Component, _ = v.(string)
			continue
		case "pair":
			if p, ok := v.(string); ok {
				rec.Pair = p
				continue
			}
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			rec.Fields[k] = val.Error()
		case fmt.Stringer:
			rec.Fields[k] = val.String()
		default:
			rec.Fields[k] = val
		}
	}

	s.recent.push(rec)
	return nil
}

func (s *logStore) snapshot() []logRecord { return s.query(logrus.TraceLevel, "") }

// query returns records at least as severe as minLevel, optionally for one pair.
func (s *logStore) query(minLevel logrus.Level, pair string) []logRecord {
	return s.recent.filter(func(r logRecord) bool {
		if r.level > minLevel {
			return false
		}
		return pair == "" || r.Pair == pair
	})
}

func (s *logStore) close() { s.muted.Store(true) }
