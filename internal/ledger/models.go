package ledger

import (
	"strings"
	"time"
)

// UsageEvent is one metered consumption record. Events are append-only.
type UsageEvent struct {
	ID          int64
	Timestamp   time.Time
	Service     string
	Kind        string
	Amount      float64
	Cost        Cost
	Model       string
	OperationID string
	UserID      string
}

// Rate prices one (service, kind) pair, optionally narrowed to a model.
type Rate struct {
	Service  string
	Kind     string
	Model    string
	UnitCost float64
}

// Quota caps usage over a sliding window. Empty Service/Kind filters match
// every event.
type Quota struct {
	Name         string
	Service      string
	Kind         string
	Window       time.Duration
	MaxAmount    float64
	MaxCost      Cost
	AlertPercent float64
}

// Matches reports whether the quota's filters accept the event.
func (q Quota) Matches(event UsageEvent) bool {
	if q.Service != "" && !strings.EqualFold(q.Service, event.Service) {
		return false
	}
	if q.Kind != "" && !strings.EqualFold(q.Kind, event.Kind) {
		return false
	}
	return true
}

// SignalLevel distinguishes a hard breach from a soft approaching warning.
type SignalLevel string

const (
	SignalExceeded    SignalLevel = "exceeded"
	SignalApproaching SignalLevel = "approaching"
)

// QuotaSignal reports a quota crossing raised while recording usage.
type QuotaSignal struct {
	Quota         Quota
	Level         SignalLevel
	WindowAmount  float64
	WindowCost    Cost
	AmountPercent float64
	CostPercent   float64
}

// QuotaStatus is a read-only snapshot of one quota's sliding window.
type QuotaStatus struct {
	Quota         Quota
	WindowAmount  float64
	WindowCost    Cost
	AmountPercent float64
	CostPercent   float64
	Exceeded      bool
}

// Summary aggregates usage over a lookback window.
type Summary struct {
	Since       time.Time
	EventCount  int
	TotalCost   Cost
	ByService   map[string]Cost
	AmountByKey map[string]float64
}
