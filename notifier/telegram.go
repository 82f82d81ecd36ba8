package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"depthwatch/config"
	"depthwatch/logger"
	"depthwatch/models"
)

// Telegram posts plain-text messages through the Bot API. Sends are
// serialized and paced so bursts from several pairs stay under the chat limit.
type Telegram struct {
	endpoint string
	chatID   string
	client   *http.Client
	limiter  *rate.Limiter
	mu       sync.Mutex
	log      *logger.Log
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func NewTelegram(cfg config.TelegramConfig) *Telegram {
	interval := cfg.MinInterval
	if interval <= 0 {
		interval = time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	return &Telegram{
		endpoint: fmt.Sprintf("%s/bot%s/sendMessage", base, cfg.Token),
		chatID:   cfg.ChatID,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		log:      logger.GetLogger(),
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) SendAnomalyDetection(ctx context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error {
	return t.send(ctx, FormatAnomalies(KindDetection, pair, batch))
}

func (t *Telegram) SendAnomalyCancellation(ctx context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error {
	return t.send(ctx, FormatAnomalies(KindCancellation, pair, batch))
}

func (t *Telegram) SendAnomalyRealization(ctx context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error {
	return t.send(ctx, FormatAnomalies(KindRealization, pair, batch))
}

func (t *Telegram) SendVolumeNotification(ctx context.Context, pair models.Pair, v models.VolumeDeviation) error {
	return t.send(ctx, FormatVolume(pair, v))
}

func (t *Telegram) SendSummaryNotification(ctx context.Context, pair models.Pair, s models.SummaryDeviation) error {
	return t.send(ctx, FormatSummary(pair, s))
}

func (t *Telegram) send(ctx context.Context, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(telegramMessage{ChatID: t.chatID, Text: text, DisableWebPagePreview: true})
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()

	var payload telegramResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(data, &payload)
	if resp.StatusCode != http.StatusOK || !payload.OK {
		return fmt.Errorf("telegram rejected message: status %s: %s", resp.Status, payload.Description)
	}

	logger.LogPerformanceEntry(t.log.WithComponent("notifier"), "notifier", "telegram_send", time.Since(start), logger.Fields{
		"chars": len(text),
	})
	return nil
}
