package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"depthwatch/internal/metrics"
	"depthwatch/logger"
)

func TestHistoryKeepsLatest(t *testing.T) {
	h := newHistory[int](3)
	for i := 1; i <= 5; i++ {
		h.push(i)
	}
	got := h.filter(nil)
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("unexpected history %v", got)
	}
	even := h.filter(func(v int) bool { return v%2 == 0 })
	if len(even) != 1 || even[0] != 4 {
		t.Fatalf("unexpected filter result %v", even)
	}
}

func TestMetricStoreQuery(t *testing.T) {
	store := newMetricStore(10)
	store.handle(metrics.Metric{Component: "orders_worker", Name: "detected", Fields: logger.Fields{"pair": "BTC/USDT"}})
	store.handle(metrics.Metric{Component: "orders_worker", Name: "detected", Fields: logger.Fields{"pair": "ETH/USDT"}})
	store.handle(metrics.Metric{Component: "host", Name: "cpu_percent"})

	if got := store.query("orders_worker", ""); len(got) != 2 {
		t.Fatalf("component filter returned %d", len(got))
	}
	got := store.query("", "ETH/USDT")
	if len(got) != 1 || got[0].Fields["pair"] != "ETH/USDT" {
		t.Fatalf("pair filter returned %#v", got)
	}
	if len(store.snapshot()) != 3 {
		t.Fatalf("snapshot must return everything")
	}
}

func fire(t *testing.T, s *logStore, level logrus.Level, msg string, data logrus.Fields) {
	t.Helper()
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = level
	entry.Message = msg
	entry.Data = data
	if err := s.Fire(entry); err != nil {
		t.Fatalf("Fire: %v", err)
	}
}

func TestLogStoreSplitsKnownFields(t *testing.T) {
	s := newLogStore(5)
	fire(t, s, logrus.ErrorLevel, "save failed", logrus.Fields{
		"component": "db_worker",
		"pair":      "BTC/USDT",
		"error":     errors.New("timeout"),
	})

	recs := s.snapshot()
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	r := recs[0]
	if r.Component != "db_worker" || r.Pair != "BTC/USDT" || r.Fields["error"] != "timeout" {
		t.Fatalf("unexpected record %#v", r)
	}
	if _, ok := r.Fields["pair"]; ok {
		t.Fatalf("pair must not be duplicated in fields")
	}
}

func TestLogStoreQueryAndMute(t *testing.T) {
	s := newLogStore(5)
	fire(t, s, logrus.InfoLevel, "tick", logrus.Fields{"pair": "BTC/USDT"})
	fire(t, s, logrus.WarnLevel, "overrun", logrus.Fields{"pair": "BTC/USDT"})
	fire(t, s, logrus.ErrorLevel, "down", logrus.Fields{"pair": "ETH/USDT"})

	if got := s.query(logrus.WarnLevel, ""); len(got) != 2 {
		t.Fatalf("warn and above returned %d", len(got))
	}
	if got := s.query(logrus.WarnLevel, "BTC/USDT"); len(got) != 1 || got[0].Message != "overrun" {
		t.Fatalf("unexpected pair query %#v", got)
	}

	s.close()
	fire(t, s, logrus.ErrorLevel, "ignored", nil)
	if len(s.snapshot()) != 3 {
		t.Fatalf("muted store accepted an entry")
	}
}
