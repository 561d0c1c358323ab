package util

import (
	"time"

	"github.com/scmhub/calendar"

	"brokerstore/internal/domain"
)

// marketMICs maps markets to the exchange calendar that governs them.
var marketMICs = map[domain.Market]string{
	domain.MarketUS: "xnys",
	domain.MarketCN: "xshg",
}

// TradingCalendar provides market-hours awareness for a specific market.
// Without exchange data it falls back to Mon-Fri 09:30-16:00 in New York.
type TradingCalendar struct {
	market domain.Market
	cal    *calendar.Calendar
	loc    *time.Location
}

// NewTradingCalendar creates a TradingCalendar for the given market.
// Unknown markets use the NYSE calendar.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	mic, ok := marketMICs[market]
	if !ok {
		mic = "xnys"
	}
	tc := &TradingCalendar{market: market}
	if cal := calendar.GetCalendar(mic); cal != nil {
		tc.cal = cal
		tc.loc = cal.Loc
	}
	if tc.loc == nil {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.UTC
		}
		tc.loc = loc
	}
	return tc
}

// Location returns the exchange time zone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// IsTradingDay reports whether the exchange trades on t's local date.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	t = t.In(tc.loc)
	if tc.cal == nil {
		wd := t.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
	return tc.cal.IsBusinessDay(t)
}

// IsMarketOpen returns whether the market is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	t = t.In(tc.loc)
	if tc.cal != nil {
		return tc.cal.IsOpen(t)
	}
	if !tc.IsTradingDay(t) {
		return false
	}
	mins := t.Hour()*60 + t.Minute()
	return mins >= 9*60+30 && mins < 16*60
}

// SessionDate returns midnight of t's exchange-local date.
func (tc *TradingCalendar) SessionDate(t time.Time) time.Time {
	t = t.In(tc.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, tc.loc)
}
