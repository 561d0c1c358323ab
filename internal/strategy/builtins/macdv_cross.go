// Package builtins provides built-in strategy implementations that ship with
// brokerstore.
package builtins

import (
	"context"
	"math"
	"strconv"

	"brokerstore/internal/domain"
	"brokerstore/internal/indicators"
	"brokerstore/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*MACDVCross)(nil)

// MACDVCrossName is the registry name of MACDVCross.
const MACDVCrossName = "macdv-cross"

// MACDVCross implements a MACD-V crossover strategy. It generates a buy
// signal when the MACD-V line crosses above its signal line and a sell
// signal when it crosses below. OBV is reported alongside each signal.
type MACDVCross struct {
	symbol string
	params indicators.MACDVParams

	macdv    *indicators.MACDV
	obv      indicators.OBV
	prev     float64
	havePrev bool
	nextID   int64
	filled   int
}

// NewMACDVCross creates a new MACDVCross strategy with the given MACD-V
// periods.
func NewMACDVCross(symbol string, p indicators.MACDVParams) *MACDVCross {
	return &MACDVCross{symbol: symbol, params: p}
}

// Register adds the builtin strategies to r.
func Register(r *strategy.Registry) error {
	return r.Register(MACDVCrossName, func(p strategy.Params) strategy.Strategy {
		return NewMACDVCross(p.Symbol, indicators.MACDVParams{
			Fast:   p.FastPeriod,
			Slow:   p.SlowPeriod,
			Signal: p.SignalPeriod,
			ATR:    p.ATRPeriod,
		})
	})
}

// Name returns "macdv-cross".
func (s *MACDVCross) Name() string {
	return MACDVCrossName
}

// Init resets the indicator state.
func (s *MACDVCross) Init(_ context.Context) error {
	s.macdv = indicators.NewMACDV(s.params)
	s.obv = indicators.OBV{}
	s.havePrev = false
	return nil
}

// OnBar updates the indicators and emits a signal on a histogram sign
// change.
func (s *MACDVCross) OnBar(_ context.Context, bar domain.Bar) ([]domain.Signal, error) {
	if s.macdv == nil {
		s.macdv = indicators.NewMACDV(s.params)
	}
	obv := s.obv.Update(bar.Close, bar.Volume)
	v, ok := s.macdv.Update(bar)
	if !ok {
		return nil, nil
	}
	prev, hadPrev := s.prev, s.havePrev
	s.prev, s.havePrev = v.Histogram, true
	if !hadPrev {
		return nil, nil
	}

	var typ domain.SignalType
	switch {
	case prev <= 0 && v.Histogram > 0:
		typ = domain.SignalTypeBuy
	case prev >= 0 && v.Histogram < 0:
		typ = domain.SignalTypeSell
	default:
		return nil, nil
	}

	symbol := bar.Symbol
	if symbol == "" {
		symbol = s.symbol
	}
	s.nextID++
	return []domain.Signal{{
		ID:         s.nextID,
		StrategyID: MACDVCrossName,
		Symbol:     symbol,
		Type:       typ,
		Strength:   math.Abs(v.Histogram),
		Metadata: map[string]string{
			"macdv":  strconv.FormatFloat(v.MACDV, 'f', 4, 64),
			"signal": strconv.FormatFloat(v.Signal, 'f', 4, 64),
			"obv":    strconv.FormatFloat(obv, 'f', 0, 64),
		},
		CreatedAt: bar.Timestamp,
	}}, nil
}

// OnOrder counts completed orders.
func (s *MACDVCross) OnOrder(_ context.Context, o domain.Order) {
	if o.Status == domain.OrderStatusCompleted {
		s.filled++
	}
}

// Filled returns the number of completed orders seen.
func (s *MACDVCross) Filled() int { return s.filled }
