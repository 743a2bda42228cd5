package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Forwarder posts new audit entries to configured webhooks. Each hook keeps
// its own cursor, starting at the newest entry when the forwarder starts, and
// stops at the first failed delivery so it is retried on the next pass.
type Forwarder struct {
	Repo     repo.Repo
	Hooks    []config.WebhookConfig
	Interval time.Duration
	Client   *http.Client
	Logger   *log.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

func (f *Forwarder) logger() *log.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return log.Default()
}

// Run delivers entries until ctx is done. It returns immediately when no hook is configured.
func (f *Forwarder) Run(ctx context.Context) error {
	if len(f.Hooks) == 0 {
		return nil
	}
	interval := f.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		f.DeliverAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DeliverAll runs one delivery pass over every enabled hook.
func (f *Forwarder) DeliverAll(ctx context.Context) {
	for i, hook := range f.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		f.deliver(ctx, i, hook)
	}
}

func (f *Forwarder) deliver(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := f.cursorFor(ctx, idx)
	entries, err := f.Repo.AuditEntriesAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		f.logger().Printf("[webhook] fetch audit entries failed: %v", err)
		return
	}
	filter := newDirectionFilter(hook.Directions)
	for _, e := range entries {
		if !filter.match(e.Direction) {
			f.setCursor(idx, e.ID)
			continue
		}
		if err := f.post(ctx, hook, e); err != nil {
			f.logger().Printf("[webhook] deliver to %s failed: %v", hook.URL, err)
			return
		}
		f.setCursor(idx, e.ID)
	}
}

func (f *Forwarder) cursorFor(ctx context.Context, idx int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursors == nil {
		f.cursors = make(map[int]int64)
	}
	if cur, ok := f.cursors[idx]; ok {
		return cur
	}
	cur, err := f.Repo.LatestAuditID(ctx)
	if err != nil {
		f.logger().Printf("[webhook] init cursor failed: %v", err)
		cur = 0
	}
	f.cursors[idx] = cur
	return cur
}

func (f *Forwarder) setCursor(idx int, value int64) {
	f.mu.Lock()
	f.cursors[idx] = value
	f.mu.Unlock()
}

func (f *Forwarder) post(ctx context.Context, hook config.WebhookConfig, e domain.AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Missionline-Direction", e.Direction)
	req.Header.Set("X-Missionline-Delivery", fmt.Sprintf("%d", e.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Missionline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type directionFilter struct {
	all bool
	set map[string]struct{}
}

func newDirectionFilter(directions []string) directionFilter {
	set := make(map[string]struct{}, len(directions))
	for _, d := range directions {
		if key := strings.TrimSpace(d); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return directionFilter{all: true}
	}
	return directionFilter{set: set}
}

func (f directionFilter) match(direction string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[direction]
	return ok
}
