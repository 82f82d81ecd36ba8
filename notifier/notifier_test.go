package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"depthwatch/config"
	"depthwatch/models"
)

func testPair() models.Pair {
	return models.Pair{ID: uuid.New(), Symbol: "BTC/USDT", Delimiter: decimal.NewFromInt(100)}
}

func testBatch() []models.OrderBookAnomaly {
	return []models.OrderBookAnomaly{{
		Price:            decimal.NewFromInt(27300),
		Quantity:         decimal.NewFromInt(9),
		OrderLiquidity:   decimal.NewFromInt(245700),
		AverageLiquidity: decimal.NewFromInt(27500),
		Type:             models.AnomalyAsk,
	}}
}

type countingSink struct {
	name string
	err  error
	mu   sync.Mutex
	n    int
}

func (s *countingSink) Name() string { return s.name }

func (s *countingSink) hit() error {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return s.err
}

func (s *countingSink) SendAnomalyDetection(context.Context, models.Pair, []models.OrderBookAnomaly) error {
	return s.hit()
}

func (s *countingSink) SendAnomalyCancellation(context.Context, models.Pair, []models.OrderBookAnomaly) error {
	return s.hit()
}

func (s *countingSink) SendAnomalyRealization(context.Context, models.Pair, []models.OrderBookAnomaly) error {
	return s.hit()
}

func (s *countingSink) SendVolumeNotification(context.Context, models.Pair, models.VolumeDeviation) error {
	return s.hit()
}

func (s *countingSink) SendSummaryNotification(context.Context, models.Pair, models.SummaryDeviation) error {
	return s.hit()
}

func TestFanoutDeliversDespiteFailures(t *testing.T) {
	broken := &countingSink{name: "broken", err: errors.New("unreachable")}
	ok := &countingSink{name: "ok"}
	f := NewFanout(broken, ok, NewLogSink())

	err := f.SendAnomalyDetection(context.Background(), testPair(), testBatch())
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected failure of the broken sink, got %v", err)
	}
	if ok.n != 1 || broken.n != 1 {
		t.Fatalf("every sink must be called once, got ok=%d broken=%d", ok.n, broken.n)
	}

	if err := NewFanout(ok).SendVolumeNotification(context.Background(), testPair(), models.VolumeDeviation{}); err != nil {
		t.Fatalf("healthy sinks must not fail: %v", err)
	}
}

func TestFormatters(t *testing.T) {
	msg := FormatAnomalies(KindDetection, testPair(), testBatch())
	if !strings.HasPrefix(msg, "BTC/USDT anomalies detected (1)") || !strings.Contains(msg, "ask 27300 qty 9 liquidity 245700 avg 27500 pos 0") {
		t.Fatalf("unexpected message %q", msg)
	}
	sum := FormatSummary(testPair(), models.SummaryDeviation{Current: decimal.NewFromInt(10)})
	if !strings.Contains(sum, "deviation n/a") {
		t.Fatalf("summary without previous average must say n/a: %q", sum)
	}
}

func TestTelegramSend(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []telegramMessage
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg telegramMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, msg)
		path = r.URL.Path
		mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegram(config.TelegramConfig{APIURL: srv.URL, Token: "123:abc", ChatID: "-100", MinInterval: time.Millisecond})
	if err := tg.SendAnomalyDetection(context.Background(), testPair(), testBatch()); err != nil {
		t.Fatalf("send: %v", err)
	}
	dev := decimal.NewFromInt(3)
	if err := tg.SendSummaryNotification(context.Background(), testPair(), models.SummaryDeviation{Deviation: &dev}); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/bot123:abc/sendMessage" {
		t.Fatalf("unexpected path %s", path)
	}
	if len(got) != 2 || got[0].ChatID != "-100" || !strings.Contains(got[0].Text, "27300") {
		t.Fatalf("unexpected messages %+v", got)
	}
}

func TestTelegramRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegram(config.TelegramConfig{APIURL: srv.URL, Token: "t", ChatID: "c", MinInterval: time.Millisecond})
	err := tg.SendVolumeNotification(context.Background(), testPair(), models.VolumeDeviation{})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected rejection, got %v", err)
	}
}

type memoryWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *memoryWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memoryWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaEvents(t *testing.T) {
	w := &memoryWriter{}
	k := newKafka(w, "anomalies")
	pair := testPair()

	if err := k.SendAnomalyRealization(context.Background(), pair, testBatch()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != pair.Symbol {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	var ev Event
	if err := json.Unmarshal(w.msgs[0].Value, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != KindRealization || ev.PairID != pair.ID || len(ev.Anomalies) != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if !ev.Anomalies[0].Price.Equal(decimal.NewFromInt(27300)) {
		t.Fatalf("price lost: %s", ev.Anomalies[0].Price)
	}

	if err := NewFanout(k).Close(); err != nil || !w.closed {
		t.Fatalf("close must reach the writer")
	}
}

func TestNewFromConfig(t *testing.T) {
	f, err := New(config.NotifierConfig{Log: config.LogSinkConfig{Enabled: true}})
	if err != nil || len(f.Sinks()) != 1 || f.Sinks()[0].Name() != "log" {
		t.Fatalf("expected only the log sink, got %v err %v", f, err)
	}
	if _, err := New(config.NotifierConfig{Kafka: config.KafkaConfig{Enabled: true}}); err == nil {
		t.Fatalf("kafka without brokers must fail")
	}
}
