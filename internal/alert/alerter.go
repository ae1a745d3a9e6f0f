// Package alert dispatches operator notifications for quota exhaustion, IP
// abuse and upstream outages. Each alert fires at most once per key per UTC
// day across all gateway instances.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/tiergate/internal/tier"
)

const sendTimeout = 5 * time.Second

// Alerter is safe to call while holding quota locks: sends happen in the
// background.
type Alerter struct {
	dedup    Deduplicator
	notifier Notifier
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func New(dedup Deduplicator, notifier Notifier, logger *slog.Logger) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{dedup: dedup, notifier: notifier, logger: logger}
}

func (a *Alerter) QuotaExhausted(ctx context.Context, callerKey string, t tier.Tier, day string) {
	a.dispatch(ctx, "quota:"+day+":"+callerKey, Notification{
		Type:      NotificationQuotaExhausted,
		CallerKey: callerKey,
		Message:   fmt.Sprintf("caller %s exhausted the %s daily quota", callerKey, t),
		Data:      map[string]any{"tier": string(t), "day": day},
	})
}

func (a *Alerter) IPCeilingReached(ctx context.Context, ip string, day string) {
	a.dispatch(ctx, "ip:"+day+":"+ip, Notification{
		Type:    NotificationIPCeilingReached,
		Message: fmt.Sprintf("ip %s reached the anonymous daily ceiling", ip),
		Data:    map[string]any{"ip": ip, "day": day},
	})
}

// ProviderStateChanged reports a circuit breaker opening or closing.
func (a *Alerter) ProviderStateChanged(ctx context.Context, provider string, down bool) {
	n := Notification{
		Type:    NotificationProviderUp,
		Message: fmt.Sprintf("provider %s recovered", provider),
		Data:    map[string]any{"provider": provider},
	}
	if down {
		n.Type = NotificationProviderDown
		n.Message = fmt.Sprintf("provider %s circuit opened", provider)
	}
	a.send(ctx, n)
}

func (a *Alerter) dispatch(ctx context.Context, key string, n Notification) {
	if !a.dedup.ShouldAlert(ctx, key) {
		return
	}
	a.send(ctx, n)
}

func (a *Alerter) send(ctx context.Context, n Notification) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		if err := a.notifier.Send(sendCtx, n); err != nil {
			a.logger.Warn("failed to send alert", "type", n.Type, "error", err)
		}
	}()
}

// Wait blocks until in-flight sends complete.
func (a *Alerter) Wait() {
	a.wg.Wait()
}
