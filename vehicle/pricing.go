package vehicle

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	baseDailyRate        = 15
	largeEngineSurcharge = 10
	olderModelSurcharge  = 5

	largeEngineLitres = 2.0
	olderModelYear    = 2015
)

// DailyRate returns the per-day rate in pounds for a vehicle.
func DailyRate(d Details) decimal.Decimal {
	rate := decimal.NewFromInt(baseDailyRate)
	if d.EngineSize > largeEngineLitres {
		rate = rate.Add(decimal.NewFromInt(largeEngineSurcharge))
	}
	if d.Year != 0 && d.Year < olderModelYear {
		rate = rate.Add(decimal.NewFromInt(olderModelSurcharge))
	}
	return rate
}

// CoverDays is the number of started days in the window.
func CoverDays(start, end time.Time) int64 {
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	day := 24 * time.Hour
	days := int64(d / day)
	if d%day != 0 {
		days++
	}
	return days
}

// CalculatePrice prices a cover window as daily rate times started days,
// formatted with two decimal places.
func CalculatePrice(d Details, start, end time.Time) string {
	return DailyRate(d).Mul(decimal.NewFromInt(CoverDays(start, end))).StringFixed(2)
}
