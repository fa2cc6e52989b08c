package exchange

import (
	"time"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// NSE cash and derivatives segments trade 09:15 to 15:30 IST, Monday
// through Friday. Exchange holidays are not modelled; on a holiday the
// feed simply stays quiet inside an "open" window and the health monitor
// reports it.
const (
	sessionOpenMinute  = 9*60 + 15
	sessionCloseMinute = 15*60 + 30
)

// InTradingSession reports whether t falls inside NSE market hours.
func InTradingSession(t time.Time) bool {
	ist := t.In(types.IST)
	switch ist.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minute := ist.Hour()*60 + ist.Minute()
	return minute >= sessionOpenMinute && minute < sessionCloseMinute
}

// NextSessionOpen returns the next 09:15 IST on a weekday strictly after t.
func NextSessionOpen(t time.Time) time.Time {
	ist := t.In(types.IST)
	open := time.Date(ist.Year(), ist.Month(), ist.Day(), 9, 15, 0, 0, types.IST)
	if !ist.Before(open) {
		open = open.AddDate(0, 0, 1)
	}
	for open.Weekday() == time.Saturday || open.Weekday() == time.Sunday {
		open = open.AddDate(0, 0, 1)
	}
	return open
}
