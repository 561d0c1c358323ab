package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"brokerstore/internal/domain"
)

// ErrRiskRejected is wrapped by every pre-trade rejection.
var ErrRiskRejected = errors.New("risk check failed")

// RiskManager enforces pre-trade risk rules such as position sizing limits
// and maximum daily loss constraints.
type RiskManager struct {
	maxPositionPct  float64
	maxDailyLossPct float64

	mu          sync.Mutex
	startEquity float64
}

// NewRiskManager creates a RiskManager with the specified risk thresholds.
//
//   - maxPositionPct: maximum fraction of equity allowed in a single order's
//     notional value (e.g. 0.10 for 10%).
//   - maxDailyLossPct: maximum fraction of the day's starting equity that may
//     be lost before new orders are refused (e.g. 0.02 for 2%).
//
// A zero threshold disables the corresponding check.
func NewRiskManager(maxPositionPct, maxDailyLossPct float64) *RiskManager {
	return &RiskManager{
		maxPositionPct:  maxPositionPct,
		maxDailyLossPct: maxDailyLossPct,
	}
}

// StartDay records the equity the daily loss limit is measured from.
func (rm *RiskManager) StartDay(equity float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.startEquity = equity
}

// CheckOrder evaluates whether the proposed order complies with the
// configured risk limits given the current account state. price is the
// reference price used for the notional check; zero skips it.
func (rm *RiskManager) CheckOrder(_ context.Context, order *domain.Order, price float64, account *domain.AccountInfo) error {
	if order == nil {
		return fmt.Errorf("%w: nil order", ErrRiskRejected)
	}
	if order.Qty <= 0 {
		return fmt.Errorf("%w: quantity %v must be positive", ErrRiskRejected, order.Qty)
	}
	if account == nil {
		return nil
	}

	if rm.maxPositionPct > 0 && price > 0 && account.Equity > 0 {
		notional := math.Abs(order.Qty) * price
		if limit := rm.maxPositionPct * account.Equity; notional > limit {
			return fmt.Errorf("%w: notional %.2f exceeds %.2f (%.0f%% of equity)",
				ErrRiskRejected, notional, limit, rm.maxPositionPct*100)
		}
	}

	rm.mu.Lock()
	start := rm.startEquity
	rm.mu.Unlock()
	if rm.maxDailyLossPct > 0 && start > 0 {
		loss := start - account.Equity
		if limit := rm.maxDailyLossPct * start; loss >= limit {
			return fmt.Errorf("%w: daily loss %.2f reached limit %.2f", ErrRiskRejected, loss, limit)
		}
	}
	return nil
}
