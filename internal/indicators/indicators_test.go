package indicators

import (
	"math"
	"testing"

	"brokerstore/internal/domain"
)

const eps = 1e-9

func TestEMASeededWithSMA(t *testing.T) {
	e := NewEMA(3)
	if _, ok := e.Update(1); ok {
		t.Fatal("EMA ready after one input")
	}
	e.Update(2)
	v, ok := e.Update(3)
	if !ok || v != 2 {
		t.Fatalf("seed = %v, %v, want 2, true", v, ok)
	}
	// alpha = 0.5
	if v, _ := e.Update(6); v != 4 {
		t.Errorf("EMA = %v, want 4", v)
	}
	if !e.Ready() || e.Value() != 4 {
		t.Errorf("Ready/Value = %v/%v", e.Ready(), e.Value())
	}
}

func TestATR(t *testing.T) {
	a := NewATR(2)
	if _, ok := a.Update(11, 9, 10); ok {
		t.Fatal("ATR ready on the first bar")
	}
	// True ranges: 3 (gap up over prev close 10), 2.
	a.Update(13, 11, 12)
	v, ok := a.Update(13, 11, 12)
	if !ok || v != 2.5 {
		t.Fatalf("ATR seed = %v, %v, want 2.5", v, ok)
	}
	// Wilder smoothing, alpha = 1/2.
	if v, _ := a.Update(16, 12, 14); v != 3.25 {
		t.Errorf("ATR = %v, want 3.25", v)
	}
}

func TestOBVSeries(t *testing.T) {
	bars := []domain.Bar{
		{Close: 10, Volume: 100},
		{Close: 11, Volume: 200},
		{Close: 11, Volume: 300},
		{Close: 9, Volume: 50},
		{Close: 12, Volume: 25},
	}
	want := []float64{0, 200, 200, 150, 175}
	got := OBVSeries(bars)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("OBV[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func trendBars(n int) []domain.Bar {
	bars := make([]domain.Bar, n)
	for i := range bars {
		c := 100 + float64(i)
		bars[i] = domain.Bar{Open: c, High: c + 1, Low: c - 1, Close: c}
	}
	return bars
}

func TestMACDVWarmUp(t *testing.T) {
	m := NewMACDV(MACDVParams{})
	first := -1
	for i, b := range trendBars(40) {
		if _, ok := m.Update(b); ok && first < 0 {
			first = i
		}
	}
	// ATR(26) needs 27 bars; the signal EMA(9) eight more.
	if first != 34 {
		t.Errorf("first output at bar %d, want 34", first)
	}
}

func TestMACDVLinearTrend(t *testing.T) {
	m := NewMACDV(MACDVParams{})
	var last MACDVValue
	for _, b := range trendBars(60) {
		if v, ok := m.Update(b); ok {
			last = v
			if math.Abs(v.Histogram-(v.MACDV-v.Signal)) > eps {
				t.Fatalf("histogram %v != macdv %v - signal %v", v.Histogram, v.MACDV, v.Signal)
			}
		}
	}
	// EMA lag on a unit slope is (p-1)/2: 4 and 12.5; the true range is 2.
	if math.Abs(last.MACDV-425) > 1e-6 || math.Abs(last.Histogram) > 1e-6 {
		t.Errorf("last = %+v, want macdv 425 and flat histogram", last)
	}
	if m.Last() != last {
		t.Errorf("Last() = %+v, want %+v", m.Last(), last)
	}
}

func TestMACDVZeroRangeSkipped(t *testing.T) {
	m := NewMACDV(MACDVParams{Fast: 2, Slow: 3, Signal: 2, ATR: 2})
	for i := 0; i < 20; i++ {
		if _, ok := m.Update(domain.Bar{Open: 5, High: 5, Low: 5, Close: 5}); ok {
			t.Fatal("flat market produced an output")
		}
	}
}
