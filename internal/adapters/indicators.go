package adapters

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/tradeguard/internal/domain"
)

// Bar is one daily OHLCV bar.
type Bar struct {
	Date   string  `yaml:"date" json:"date"`
	Open   float64 `yaml:"open" json:"open"`
	High   float64 `yaml:"high" json:"high"`
	Low    float64 `yaml:"low" json:"low"`
	Close  float64 `yaml:"close" json:"close"`
	Volume float64 `yaml:"volume" json:"volume"`
}

// FailSafeVIX is used when no VIX reading is available. It sits above any
// sane ceiling so the regime gate blocks new longs instead of passing them.
const FailSafeVIX = 99.0

// ContextFromBars derives a MarketContext from daily bars, oldest first.
// ATR is the 14-bar mean true range, volume is the 20-bar mean.
func ContextFromBars(ticker string, bars []Bar, vix float64, daysToEarnings int) (domain.MarketContext, error) {
	if len(bars) == 0 {
		return domain.MarketContext{}, fmt.Errorf("no bars for %s", ticker)
	}
	last := bars[len(bars)-1]
	price := decimal.NewFromFloat(last.Close)

	atr := meanTrueRange(bars, 14)
	if atr.IsZero() {
		atr = price.Mul(decimal.NewFromFloat(0.02))
	}
	if vix <= 0 {
		vix = FailSafeVIX
	}

	return domain.MarketContext{
		Ticker:         strings.ToUpper(ticker),
		CurrentPrice:   price.Round(2).InexactFloat64(),
		ATR14:          atr.Round(2).InexactFloat64(),
		AvgDailyVolume: meanVolume(bars, 20).Round(0).InexactFloat64(),
		DaysToEarnings: daysToEarnings,
		VIXLevel:       vix,
		SMA20:          smaOrLast(bars, 20).Round(2).InexactFloat64(),
		SMA50:          smaOrLast(bars, 50).Round(2).InexactFloat64(),
		AsOf:           barTime(last),
	}, nil
}

// meanTrueRange needs n+1 bars; with fewer it returns zero.
func meanTrueRange(bars []Bar, n int) decimal.Decimal {
	if len(bars) < n+1 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for i := len(bars) - n; i < len(bars); i++ {
		high := decimal.NewFromFloat(bars[i].High)
		low := decimal.NewFromFloat(bars[i].Low)
		prev := decimal.NewFromFloat(bars[i-1].Close)
		tr := decimal.Max(high.Sub(low), high.Sub(prev).Abs(), low.Sub(prev).Abs())
		sum = sum.Add(tr)
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

func meanVolume(bars []Bar, n int) decimal.Decimal {
	if len(bars) < n {
		n = len(bars)
	}
	sum := decimal.Zero
	for _, b := range bars[len(bars)-n:] {
		sum = sum.Add(decimal.NewFromFloat(b.Volume))
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

func smaOrLast(bars []Bar, n int) decimal.Decimal {
	if len(bars) < n {
		return decimal.NewFromFloat(bars[len(bars)-1].Close)
	}
	sum := decimal.Zero
	for _, b := range bars[len(bars)-n:] {
		sum = sum.Add(decimal.NewFromFloat(b.Close))
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

func barTime(b Bar) time.Time {
	t, err := time.Parse("2006-01-02", b.Date)
	if err != nil {
		return time.Time{}
	}
	return t
}
