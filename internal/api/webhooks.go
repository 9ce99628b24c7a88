package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/annel0/memreplay/internal/eventbus"
	"github.com/annel0/memreplay/internal/logging"
)

// OutboundWebhook получатель событий воспроизведения
type OutboundWebhook struct {
	Name       string   `json:"name" yaml:"name"`
	URL        string   `json:"url" yaml:"url"`
	Secret     string   `json:"-" yaml:"secret"`
	Events     []string `json:"events" yaml:"events"` // "*" = все события
	Timeout    int      `json:"timeout" yaml:"timeout"` // Таймаут в секундах
	RetryCount int      `json:"retry_count" yaml:"retry_count"`

	LastUsed     *time.Time `json:"last_used,omitempty" yaml:"-"`
	FailureCount int        `json:"failure_count" yaml:"-"`
}

// WebhookNotifier пересылает события шины во внешние webhook'и
type WebhookNotifier struct {
	webhooks   []*OutboundWebhook
	mu         sync.RWMutex
	httpClient *http.Client
	sub        eventbus.Subscription
	logger     *logging.Logger
	backoff    time.Duration
	inflight   sync.WaitGroup
}

// NewWebhookNotifier создает нотификатор. Подписка на шину делается в Attach.
func NewWebhookNotifier(webhooks []OutboundWebhook, logger *logging.Logger) *WebhookNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	n := &WebhookNotifier{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		backoff:    time.Second,
	}
	for _, wh := range webhooks {
		wh := wh
		if wh.Timeout == 0 {
			wh.Timeout = 30
		}
		if wh.RetryCount == 0 {
			wh.RetryCount = 3
		}
		n.webhooks = append(n.webhooks, &wh)
	}
	return n
}

// Attach подписывает нотификатор на события воспроизведения
func (n *WebhookNotifier) Attach(bus eventbus.EventBus) error {
	sub, err := bus.Subscribe(context.Background(), eventbus.Filter{}, n.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe webhook notifier: %w", err)
	}
	n.sub = sub
	return nil
}

// Close отписывается и дожидается отправки начатых запросов
func (n *WebhookNotifier) Close() {
	if n.sub != nil {
		n.sub.Unsubscribe()
	}
	n.inflight.Wait()
}

// Webhooks возвращает копию списка получателей
func (n *WebhookNotifier) Webhooks() []OutboundWebhook {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]OutboundWebhook, 0, len(n.webhooks))
	for _, wh := range n.webhooks {
		out = append(out, *wh)
	}
	return out
}

func (n *WebhookNotifier) handle(_ context.Context, ev *eventbus.Envelope) {
	for _, wh := range n.webhooks {
		if !isSubscribedToEvent(wh, ev.EventType) {
			continue
		}
		n.inflight.Add(1)
		go func(wh *OutboundWebhook) {
			defer n.inflight.Done()
			n.sendToWebhook(wh, ev)
		}(wh)
	}
}

// isSubscribedToEvent проверяет, подписан ли webhook на событие
func isSubscribedToEvent(webhook *OutboundWebhook, eventType string) bool {
	for _, subscribedEvent := range webhook.Events {
		if subscribedEvent == eventType || subscribedEvent == "*" {
			return true
		}
	}
	return false
}

// sendToWebhook отправляет событие конкретному webhook'у
func (n *WebhookNotifier) sendToWebhook(webhook *OutboundWebhook, ev *eventbus.Envelope) {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("❌ Ошибка маршалинга события для webhook %s: %v", webhook.Name, err)
		return
	}

	success := false
	for attempt := 0; attempt <= webhook.RetryCount; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * n.backoff)
		}
		status, err := n.post(webhook, ev.EventType, jsonData)
		if err != nil {
			n.logger.Warn("⚠️  Попытка %d/%d для webhook %s: %v", attempt+1, webhook.RetryCount+1, webhook.Name, err)
			continue
		}
		if status >= 200 && status < 300 {
			success = true
			n.logger.Debug("✅ Событие %s отправлено в webhook %s", ev.EventType, webhook.Name)
			break
		}
		n.logger.Warn("⚠️  Webhook %s вернул статус %d на попытке %d", webhook.Name, status, attempt+1)
	}

	n.mu.Lock()
	now := time.Now()
	webhook.LastUsed = &now
	if !success {
		webhook.FailureCount++
	}
	n.mu.Unlock()
}

func (n *WebhookNotifier) post(webhook *OutboundWebhook, eventType string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(webhook.Timeout)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "memreplay/1.0")
	req.Header.Set("X-Event-Type", eventType)

	// Добавляем подпись, если есть секрет
	if webhook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", generateSignature(body, webhook.Secret))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// generateSignature генерирует HMAC подпись
func generateSignature(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
