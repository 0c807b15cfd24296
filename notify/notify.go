// Package notify pushes operator alerts and periodic reports to webhook
// endpoints. Delivery is best effort; a dead webhook never stalls the
// pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Channel routes a message to one of the configured webhooks.
type Channel int

const (
	// ChannelAlert carries failures that need operator eyes.
	ChannelAlert Channel = iota
	// ChannelInfo carries confirmations and periodic reports.
	ChannelInfo
)

// dedupeWindow suppresses byte-identical messages sent back to back.
const dedupeWindow = 10 * time.Minute

// Notifier posts JSON messages to the alert and info webhooks.
type Notifier struct {
	logger   *zap.Logger
	alertURL string
	infoURL  string
	http     *http.Client

	mu       sync.Mutex
	lastSent map[string]time.Time

	now func() time.Time
}

// New builds a notifier; either URL may be empty to disable its channel.
func New(alertURL, infoURL string, logger *zap.Logger) *Notifier {
	return &Notifier{
		logger:   logger.Named("notify"),
		alertURL: alertURL,
		infoURL:  infoURL,
		http:     &http.Client{Timeout: 10 * time.Second},
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

type message struct {
	Title string `json:"title"`
	Text  string `json:"text"`
	At    string `json:"at"`
}

// Send posts a message to the channel. Repeats of the same title+text inside
// the dedupe window are dropped. Failures are logged and swallowed.
func (n *Notifier) Send(ctx context.Context, ch Channel, title, text string) {
	url := n.urlFor(ch)
	if url == "" {
		return
	}
	if n.isDuplicate(title + "\x00" + text) {
		return
	}

	body, err := json.Marshal(message{
		Title: title,
		Text:  text,
		At:    n.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed", zap.String("title", title), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook rejected message",
			zap.String("title", title),
			zap.Int("status", resp.StatusCode))
	}
}

// Alertf formats and sends to the alert channel.
func (n *Notifier) Alertf(ctx context.Context, title, format string, args ...any) {
	n.Send(ctx, ChannelAlert, title, fmt.Sprintf(format, args...))
}

// Infof formats and sends to the info channel.
func (n *Notifier) Infof(ctx context.Context, title, format string, args ...any) {
	n.Send(ctx, ChannelInfo, title, fmt.Sprintf(format, args...))
}

func (n *Notifier) urlFor(ch Channel) string {
	if ch == ChannelAlert {
		return n.alertURL
	}
	return n.infoURL
}

func (n *Notifier) isDuplicate(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < dedupeWindow {
		return true
	}
	// Drop stale keys so the map does not grow unbounded.
	for k, at := range n.lastSent {
		if now.Sub(at) >= dedupeWindow {
			delete(n.lastSent, k)
		}
	}
	n.lastSent[key] = now
	return false
}
