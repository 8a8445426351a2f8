package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrNoRate indicates no rate table entry matches the requested usage.
var ErrNoRate = errors.New("no matching rate")

// Usage describes one consumption to record or estimate.
type Usage struct {
	Service     string
	Kind        string
	Amount      float64
	Model       string
	OperationID string
	UserID      string
}

// Ledger meters usage against a rate table and evaluates sliding-window
// quotas. All methods are safe for concurrent use; quota evaluation always
// recomputes window sums from the event log so it can never drift stale.
type Ledger struct {
	store *Store
	now   func() time.Time

	mu     sync.RWMutex
	rates  []Rate
	quotas []Quota
	events []UsageEvent
}

// Option customizes ledger construction.
type Option func(*Ledger)

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New constructs a Ledger and reloads recent events from the store so quota
// windows are warm after a restart. A nil store keeps the ledger purely
// in-memory.
func New(ctx context.Context, store *Store, rates []Rate, quotas []Quota, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:  store,
		now:    time.Now,
		rates:  normalizeRates(rates),
		quotas: append([]Quota{}, quotas...),
	}
	for _, opt := range opts {
		opt(l)
	}

	if store != nil {
		cutoff := l.now().Add(-l.longestWindow())
		events, err := store.LoadSince(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("reload ledger events: %w", err)
		}
		l.events = events
	}
	return l, nil
}

// RecordUsage prices the usage, appends an event, and evaluates every quota
// whose filters match. The returned signals report hard breaches and soft
// approaching-limit warnings; the event is recorded either way.
func (l *Ledger) RecordUsage(ctx context.Context, usage Usage) (UsageEvent, []QuotaSignal, error) {
	rate, ok := l.lookupRate(usage.Service, usage.Kind, usage.Model)
	if !ok {
		return UsageEvent{}, nil, fmt.Errorf("%w: service=%s kind=%s", ErrNoRate, usage.Service, usage.Kind)
	}

	event := UsageEvent{
		Timestamp:   l.now().UTC(),
		Service:     strings.ToLower(strings.TrimSpace(usage.Service)),
		Kind:        strings.ToLower(strings.TrimSpace(usage.Kind)),
		Amount:      usage.Amount,
		Cost:        costFor(usage.Amount, rate.UnitCost),
		Model:       strings.TrimSpace(usage.Model),
		OperationID: usage.OperationID,
		UserID:      usage.UserID,
	}

	if l.store != nil {
		persisted, err := l.store.Append(ctx, event)
		if err != nil {
			return UsageEvent{}, nil, err
		}
		event = persisted
	}

	l.mu.Lock()
	l.events = append(l.events, event)
	signals := l.evaluateQuotasLocked(event)
	l.mu.Unlock()

	return event, signals, nil
}

// EstimateCost prices the usage and simulates quota evaluation without
// recording anything. allowed is false when recording the usage would push
// any matching quota past its maximum; exactly reaching a maximum is allowed.
func (l *Ledger) EstimateCost(usage Usage) (Cost, bool, error) {
	rate, ok := l.lookupRate(usage.Service, usage.Kind, usage.Model)
	if !ok {
		return 0, false, fmt.Errorf("%w: service=%s kind=%s", ErrNoRate, usage.Service, usage.Kind)
	}
	cost := costFor(usage.Amount, rate.UnitCost)

	probe := UsageEvent{
		Service: strings.ToLower(strings.TrimSpace(usage.Service)),
		Kind:    strings.ToLower(strings.TrimSpace(usage.Kind)),
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	for _, quota := range l.quotas {
		if !quota.Matches(probe) {
			continue
		}
		amount, winCost := l.windowTotalsLocked(quota, now)
		if quota.MaxAmount > 0 && amount+usage.Amount > quota.MaxAmount {
			return cost, false, nil
		}
		if quota.MaxCost > 0 && winCost+cost > quota.MaxCost {
			return cost, false, nil
		}
	}
	return cost, true, nil
}

// UsageSummary aggregates events over the trailing lookback window. It never
// mutates the event log.
func (l *Ledger) UsageSummary(hours int) Summary {
	if hours <= 0 {
		hours = 24
	}
	since := l.now().Add(-time.Duration(hours) * time.Hour)

	l.mu.RLock()
	defer l.mu.RUnlock()

	summary := Summary{
		Since:       since,
		ByService:   make(map[string]Cost),
		AmountByKey: make(map[string]float64),
	}
	for _, event := range l.events {
		if event.Timestamp.Before(since) {
			continue
		}
		summary.EventCount++
		summary.TotalCost += event.Cost
		summary.ByService[event.Service] += event.Cost
		summary.AmountByKey[event.Service+"/"+event.Kind] += event.Amount
	}
	return summary
}

// QuotaStatuses returns a read-only snapshot of every quota's sliding window.
func (l *Ledger) QuotaStatuses() []QuotaStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	statuses := make([]QuotaStatus, 0, len(l.quotas))
	for _, quota := range l.quotas {
		amount, cost := l.windowTotalsLocked(quota, now)
		status := QuotaStatus{
			Quota:        quota,
			WindowAmount: amount,
			WindowCost:   cost,
		}
		if quota.MaxAmount > 0 {
			status.AmountPercent = amount / quota.MaxAmount * 100
			if amount > quota.MaxAmount {
				status.Exceeded = true
			}
		}
		if quota.MaxCost > 0 {
			status.CostPercent = cost.Float64() / quota.MaxCost.Float64() * 100
			if cost > quota.MaxCost {
				status.Exceeded = true
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// AddQuota registers a quota at runtime.
func (l *Ledger) AddQuota(quota Quota) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quotas = append(l.quotas, quota)
}

// RemoveQuota removes the named quota and reports whether it existed.
func (l *Ledger) RemoveQuota(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, quota := range l.quotas {
		if quota.Name == name {
			l.quotas = append(l.quotas[:i], l.quotas[i+1:]...)
			return true
		}
	}
	return false
}

// Prune drops events older than retention from both the store and memory.
func (l *Ledger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention)
	var removed int64
	if l.store != nil {
		n, err := l.store.PruneBefore(ctx, cutoff)
		if err != nil {
			return 0, err
		}
		removed = n
	}

	l.mu.Lock()
	kept := l.events[:0]
	for _, event := range l.events {
		if !event.Timestamp.Before(cutoff) {
			kept = append(kept, event)
		}
	}
	l.events = kept
	l.mu.Unlock()
	return removed, nil
}

// evaluateQuotasLocked recomputes every matching quota's window after an
// append. Callers must hold the write lock.
func (l *Ledger) evaluateQuotasLocked(event UsageEvent) []QuotaSignal {
	now := l.now()
	var signals []QuotaSignal
	for _, quota := range l.quotas {
		if !quota.Matches(event) {
			continue
		}
		amount, cost := l.windowTotalsLocked(quota, now)
		signal := QuotaSignal{Quota: quota, WindowAmount: amount, WindowCost: cost}
		if quota.MaxAmount > 0 {
			signal.AmountPercent = amount / quota.MaxAmount * 100
		}
		if quota.MaxCost > 0 {
			signal.CostPercent = cost.Float64() / quota.MaxCost.Float64() * 100
		}

		exceeded := (quota.MaxAmount > 0 && amount > quota.MaxAmount) ||
			(quota.MaxCost > 0 && cost > quota.MaxCost)
		if exceeded {
			signal.Level = SignalExceeded
			signals = append(signals, signal)
			continue
		}
		if quota.AlertPercent > 0 &&
			(signal.AmountPercent >= quota.AlertPercent || signal.CostPercent >= quota.AlertPercent) {
			signal.Level = SignalApproaching
			signals = append(signals, signal)
		}
	}
	return signals
}

func (l *Ledger) windowTotalsLocked(quota Quota, now time.Time) (float64, Cost) {
	since := now.Add(-quota.Window)
	var amount float64
	var cost Cost
	for _, event := range l.events {
		if event.Timestamp.Before(since) || !quota.Matches(event) {
			continue
		}
		amount += event.Amount
		cost += event.Cost
	}
	return amount, cost
}

// lookupRate finds the most specific matching rate: service+kind+model wins
// over service+kind.
func (l *Ledger) lookupRate(service, kind, model string) (Rate, bool) {
	service = strings.ToLower(strings.TrimSpace(service))
	kind = strings.ToLower(strings.TrimSpace(kind))
	model = strings.TrimSpace(model)

	l.mu.RLock()
	defer l.mu.RUnlock()

	var fallback Rate
	var haveFallback bool
	for _, rate := range l.rates {
		if rate.Service != service || rate.Kind != kind {
			continue
		}
		if rate.Model != "" {
			if model != "" && strings.EqualFold(rate.Model, model) {
				return rate, true
			}
			continue
		}
		fallback = rate
		haveFallback = true
	}
	return fallback, haveFallback
}

func (l *Ledger) longestWindow() time.Duration {
	longest := 24 * time.Hour
	for _, quota := range l.quotas {
		if quota.Window > longest {
			longest = quota.Window
		}
	}
	return longest
}

func normalizeRates(rates []Rate) []Rate {
	out := make([]Rate, 0, len(rates))
	for _, rate := range rates {
		rate.Service = strings.ToLower(strings.TrimSpace(rate.Service))
		rate.Kind = strings.ToLower(strings.TrimSpace(rate.Kind))
		rate.Model = strings.TrimSpace(rate.Model)
		out = append(out, rate)
	}
	return out
}
