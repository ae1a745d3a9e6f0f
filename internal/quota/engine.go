package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/metrics"
	"github.com/felipepmaragno/tiergate/internal/telemetry"
	"github.com/felipepmaragno/tiergate/internal/tier"
)

const (
	DefaultIPDailyCeiling = 60

	ReasonDailyLimit       = "daily_limit_exceeded"
	ReasonCreditsExhausted = "credits_exhausted"

	PaidViaCredits = "credits"
)

// Ledger is the external credit balance consulted once the free quota is
// exhausted.
type Ledger interface {
	Deduct(ctx context.Context, account string, amount int) (balance int, err error)
	Balance(ctx context.Context, account string) (int, error)
}

// Alerter is notified the first time a caller exhausts its quota or an IP
// reaches its ceiling on a given day. Implementations deduplicate.
type Alerter interface {
	QuotaExhausted(ctx context.Context, callerKey string, t tier.Tier, day string)
	IPCeilingReached(ctx context.Context, ip string, day string)
}

// Caller identifies whose quota a request is charged to.
type Caller struct {
	Key    string
	Tier   tier.Tier
	UserID string
	IP     string
}

// Account is the ledger account credits are drawn from.
func (c Caller) Account() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Key
}

// Decision is the outcome of TrackUsage or UsageStatus.
type Decision struct {
	Allowed          bool
	Reason           string
	IPLimited        bool
	Tier             tier.Tier
	Used             int
	Limit            int
	Remaining        int
	ResetsAt         time.Time
	PaidVia          string
	CreditsRemaining *int
}

type Option func(*Engine)

func WithIPDailyCeiling(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.ipCeiling = n
		}
	}
}

func WithAlerter(a Alerter) Option {
	return func(e *Engine) { e.alerts = a }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine applies the daily quota. Mutations for one caller key are
// serialized; unrelated keys never contend.
type Engine struct {
	store     Store
	ledger    Ledger
	alerts    Alerter
	ipCeiling int
	now       func() time.Time
	// IP counters have their own lock table and are always locked before
	// the caller, so no caller key can re-enter or cross an IP lock.
	locks   *keyedMutex
	ipLocks *keyedMutex
	logger  *slog.Logger
}

func NewEngine(store Store, ledger Ledger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		ledger:    ledger,
		ipCeiling: DefaultIPDailyCeiling,
		now:       time.Now,
		locks:     newKeyedMutex(),
		ipLocks:   newKeyedMutex(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NextReset is the next UTC midnight after now.
func NextReset(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func ipKey(ip string) string {
	return "ip:" + ip
}

func (e *Engine) today() (time.Time, string) {
	now := e.now().UTC()
	return now, now.Format(dateLayout)
}

// TrackUsage counts one request against the caller's quota, falling back to
// a single credit deduction once the free quota is spent.
func (e *Engine) TrackUsage(ctx context.Context, c Caller) (*Decision, error) {
	ctx, span := telemetry.StartSpan(ctx, "quota.track")
	defer span.End()

	now, today := e.today()
	policy := tier.For(c.Tier)
	d := &Decision{
		Tier:     policy.Name,
		Limit:    policy.DailyQueries,
		ResetsAt: NextReset(now),
	}

	checkIP := c.Tier == tier.Anonymous && c.IP != ""
	if checkIP {
		unlockIP := e.ipLocks.Lock(c.IP)
		defer unlockIP()

		ipUsed, err := e.countFor(ctx, ipKey(c.IP), today)
		if err != nil {
			return nil, err
		}
		if ipUsed >= e.ipCeiling {
			d.Reason = ReasonDailyLimit
			d.IPLimited = true
			d.Used = ipUsed
			d.Limit = e.ipCeiling
			metrics.RecordQuotaRejection(string(c.Tier), "ip_ceiling")
			if e.alerts != nil {
				e.alerts.IPCeilingReached(ctx, c.IP, today)
			}
			e.logger.Info("ip ceiling reached", "ip", c.IP, "used", ipUsed)
			return d, nil
		}
	}

	unlock := e.locks.Lock(c.Key)
	defer unlock()

	rec, err := e.store.Get(ctx, c.Key)
	switch {
	case errors.Is(err, domain.ErrUsageNotFound):
		rec = &UsageRecord{CallerKey: c.Key}
	case err != nil:
		return nil, err
	}

	switch {
	case rec.LastResetDate != today:
		rec.DailyCount = 1
		rec.LastResetDate = today
	case rec.DailyCount >= policy.DailyQueries:
		d.Used = rec.DailyCount
		e.payWithCredits(ctx, c, d, today)
		telemetry.AddQuotaAttributes(span, d.Used, d.Limit, d.PaidVia)
		if d.Allowed && checkIP {
			if err := e.incrementIP(ctx, c.IP, today); err != nil {
				e.logger.Warn("failed to count ip usage", "error", err)
			}
		}
		return d, nil
	default:
		rec.DailyCount++
	}

	rec.Tier = c.Tier
	if c.UserID != "" {
		rec.UserID = c.UserID
	}
	rec.UpdatedAt = now
	if err := e.store.Put(ctx, rec); err != nil {
		return nil, err
	}

	if checkIP {
		if err := e.incrementIP(ctx, c.IP, today); err != nil {
			e.logger.Warn("failed to count ip usage", "error", err)
		}
	}

	d.Allowed = true
	d.Used = rec.DailyCount
	d.Remaining = max(0, d.Limit-d.Used)
	telemetry.AddQuotaAttributes(span, d.Used, d.Limit, "")
	return d, nil
}

// payWithCredits attempts exactly one deduction. The daily counter is left
// untouched either way.
func (e *Engine) payWithCredits(ctx context.Context, c Caller, d *Decision, today string) {
	balance, err := e.deduct(ctx, c.Account())
	if err == nil {
		d.Allowed = true
		d.PaidVia = PaidViaCredits
		d.CreditsRemaining = &balance
		metrics.RecordCreditSpent(string(c.Tier))
		return
	}

	if e.alerts != nil {
		e.alerts.QuotaExhausted(ctx, c.Key, c.Tier, today)
	}

	d.Reason = ReasonDailyLimit
	if errors.Is(err, domain.ErrInsufficientCredits) && c.UserID != "" {
		d.Reason = ReasonCreditsExhausted
	}
	if errors.Is(err, domain.ErrLedgerUnavailable) {
		e.logger.Warn("credit ledger unavailable", "caller_key", c.Key, "error", err)
	}

	if e.ledger != nil {
		if bal, berr := e.ledger.Balance(ctx, c.Account()); berr == nil {
			d.CreditsRemaining = &bal
		}
	}
	metrics.RecordQuotaRejection(string(c.Tier), d.Reason)
	e.logger.Info("daily quota exhausted",
		"caller_key", c.Key,
		"tier", c.Tier,
		"used", d.Used,
		"reason", d.Reason,
	)
}

func (e *Engine) deduct(ctx context.Context, account string) (int, error) {
	if e.ledger == nil {
		return 0, domain.ErrLedgerUnavailable
	}
	ctx, span := telemetry.StartSpan(ctx, "ledger.deduct")
	defer span.End()

	balance, err := e.ledger.Deduct(ctx, account, 1)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return 0, err
	}
	return balance, nil
}

func (e *Engine) countFor(ctx context.Context, key, today string) (int, error) {
	rec, err := e.store.Get(ctx, key)
	if errors.Is(err, domain.ErrUsageNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if rec.LastResetDate != today {
		return 0, nil
	}
	return rec.DailyCount, nil
}

// incrementIP must be called with the ip lock held.
func (e *Engine) incrementIP(ctx context.Context, ip, today string) error {
	key := ipKey(ip)
	used, err := e.countFor(ctx, key, today)
	if err != nil {
		return err
	}
	return e.store.Put(ctx, &UsageRecord{
		CallerKey:     key,
		DailyCount:    used + 1,
		LastResetDate: today,
		Tier:          tier.Anonymous,
		UpdatedAt:     e.now().UTC(),
	})
}

// UsageStatus reports the caller's quota without mutating anything.
func (e *Engine) UsageStatus(ctx context.Context, c Caller) (*Decision, error) {
	now, today := e.today()
	policy := tier.For(c.Tier)

	used, err := e.countFor(ctx, c.Key, today)
	if err != nil {
		return nil, err
	}
	return &Decision{
		Allowed:   used < policy.DailyQueries,
		Tier:      policy.Name,
		Used:      used,
		Limit:     policy.DailyQueries,
		Remaining: max(0, policy.DailyQueries-used),
		ResetsAt:  NextReset(now),
	}, nil
}

// Record returns the raw usage record for a caller key.
func (e *Engine) Record(ctx context.Context, key string) (*UsageRecord, error) {
	return e.store.Get(ctx, key)
}

// Reset clears a caller's usage record.
func (e *Engine) Reset(ctx context.Context, key string) error {
	unlock := e.locks.Lock(key)
	defer unlock()

	if err := e.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	return nil
}
