// Package indicators provides streaming technical indicators. Each indicator
// consumes one bar at a time and reports whether its warm-up is complete.
package indicators

import "brokerstore/internal/domain"

// ---------------------------------------------------------------------------
// Moving averages
// ---------------------------------------------------------------------------

// movingAverage is an exponentially weighted average seeded with the simple
// average of its first period inputs.
type movingAverage struct {
	period int
	alpha  float64
	n      int
	sum    float64
	value  float64
}

func (m *movingAverage) update(v float64) (float64, bool) {
	if m.n < m.period {
		m.n++
		m.sum += v
		if m.n < m.period {
			return 0, false
		}
		m.value = m.sum / float64(m.period)
		return m.value, true
	}
	m.value += m.alpha * (v - m.value)
	return m.value, true
}

// EMA is the exponential moving average with alpha 2/(period+1).
type EMA struct{ movingAverage }

// NewEMA returns an EMA over period inputs. Periods below 1 are treated as 1.
func NewEMA(period int) *EMA {
	if period < 1 {
		period = 1
	}
	return &EMA{movingAverage{period: period, alpha: 2 / float64(period+1)}}
}

// Update feeds v and returns the average once period inputs were seen.
func (e *EMA) Update(v float64) (float64, bool) { return e.update(v) }

// Value returns the latest average.
func (e *EMA) Value() float64 { return e.value }

// Ready reports whether the warm-up is complete.
func (e *EMA) Ready() bool { return e.n >= e.period }

// ---------------------------------------------------------------------------
// Average true range
// ---------------------------------------------------------------------------

// ATR is Wilder's average true range: the true range smoothed with alpha
// 1/period. The first bar only supplies the previous close.
type ATR struct {
	avg       movingAverage
	prevClose float64
	seen      bool
}

// NewATR returns an ATR over period true ranges.
func NewATR(period int) *ATR {
	if period < 1 {
		period = 1
	}
	return &ATR{avg: movingAverage{period: period, alpha: 1 / float64(period)}}
}

// Update feeds one bar's high, low and close.
func (a *ATR) Update(high, low, close float64) (float64, bool) {
	if !a.seen {
		a.seen = true
		a.prevClose = close
		return 0, false
	}
	tr := max(high, a.prevClose) - min(low, a.prevClose)
	a.prevClose = close
	return a.avg.update(tr)
}

// Value returns the latest ATR.
func (a *ATR) Value() float64 { return a.avg.value }

// ---------------------------------------------------------------------------
// MACD-V
// ---------------------------------------------------------------------------

// MACDVValue is one output of MACDV.
type MACDVValue struct {
	MACDV     float64
	Signal    float64
	Histogram float64
}

// MACDVParams sets the MACD-V periods. Zero fields take the defaults
// 9/26/9 with ATR 26.
type MACDVParams struct {
	Fast   int
	Slow   int
	Signal int
	ATR    int
}

// MACDV is the volatility-normalised MACD:
//
//	macdv  = (ema(close, fast) - ema(close, slow)) / atr(atr) * 100
//	signal = ema(macdv, signal)
//	histo  = macdv - signal
type MACDV struct {
	fast, slow, signal *EMA
	atr                *ATR
	last               MACDVValue
}

// NewMACDV returns a MACDV with p applied over the defaults.
func NewMACDV(p MACDVParams) *MACDV {
	if p.Fast <= 0 {
		p.Fast = 9
	}
	if p.Slow <= 0 {
		p.Slow = 26
	}
	if p.Signal <= 0 {
		p.Signal = 9
	}
	if p.ATR <= 0 {
		p.ATR = 26
	}
	return &MACDV{
		fast:   NewEMA(p.Fast),
		slow:   NewEMA(p.Slow),
		signal: NewEMA(p.Signal),
		atr:    NewATR(p.ATR),
	}
}

// Update feeds a bar. ok is false until the signal line is warm. Bars with a
// zero ATR produce no output and do not advance the signal line.
func (m *MACDV) Update(b domain.Bar) (MACDVValue, bool) {
	fast, fOK := m.fast.Update(b.Close)
	slow, sOK := m.slow.Update(b.Close)
	atr, aOK := m.atr.Update(b.High, b.Low, b.Close)
	if !fOK || !sOK || !aOK || atr == 0 {
		return MACDVValue{}, false
	}
	macdv := (fast - slow) / atr * 100
	signal, ok := m.signal.Update(macdv)
	if !ok {
		return MACDVValue{}, false
	}
	m.last = MACDVValue{MACDV: macdv, Signal: signal, Histogram: macdv - signal}
	return m.last, true
}

// Last returns the most recent complete output.
func (m *MACDV) Last() MACDVValue { return m.last }

// ---------------------------------------------------------------------------
// On-balance volume
// ---------------------------------------------------------------------------

// OBV is on-balance volume. It starts at zero on the first bar and then
// adds the volume of up-closes and subtracts the volume of down-closes.
type OBV struct {
	value     float64
	prevClose float64
	seen      bool
}

// Update feeds one bar's close and volume and returns the running OBV.
func (o *OBV) Update(close, volume float64) float64 {
	if !o.seen {
		o.seen = true
		o.prevClose = close
		o.value = 0
		return 0
	}
	switch {
	case close > o.prevClose:
		o.value += volume
	case close < o.prevClose:
		o.value -= volume
	}
	o.prevClose = close
	return o.value
}

// Value returns the running OBV.
func (o *OBV) Value() float64 { return o.value }

// OBVSeries computes OBV over bars.
func OBVSeries(bars []domain.Bar) []float64 {
	var o OBV
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = o.Update(b.Close, b.Volume)
	}
	return out
}
