// Package indicator computes technical analysis series over kline data.
//
// All math runs in float64; decimal precision matters for prices on the
// wire, not for derived oscillator values. Output series align with the
// input klines, with nil entries during each indicator's warmup.
package indicator

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pandalabs/panda-mcp/internal/domain/market"
)

// UnknownIndicatorError indicates a name outside the supported set.
type UnknownIndicatorError struct {
	Name string
}

func (e *UnknownIndicatorError) Error() string {
	return fmt.Sprintf("unknown indicator %q, supported: %v", e.Name, Known())
}

// InsufficientDataError indicates too few klines to produce any value.
type InsufficientDataError struct {
	Indicator string
	Need      int
	Have      int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s needs at least %d klines, got %d", e.Indicator, e.Need, e.Have)
}

// Result is one computed indicator. Columns hold named output lines
// aligned with Timestamps; warmup entries are nil.
type Result struct {
	Indicator  string                `json:"indicator"`
	Parameters map[string]any        `json:"parameters,omitempty"`
	Overbought float64               `json:"overbought,omitempty"`
	Oversold   float64               `json:"oversold,omitempty"`
	Timestamps []int64               `json:"timestamps"`
	Columns    map[string][]*float64 `json:"columns"`
}

// Known lists the supported indicator names.
func Known() []string {
	return []string{"SMA", "EMA", "RSI", "MACD", "BB", "ATR", "STOCH", "CCI", "OBV", "VWAP", "MFI", "KC"}
}

// Compute runs one indicator over the klines. A zero period selects the
// conventional default; MACD and STOCH always use their fixed parameters.
func Compute(name string, klines []market.Kline, period int) (*Result, error) {
	switch strings.ToUpper(name) {
	case "SMA":
		return computeSMA(klines, orPeriod(period, 20))
	case "EMA":
		return computeEMA(klines, orPeriod(period, 20))
	case "RSI":
		return computeRSI(klines, orPeriod(period, 14))
	case "MACD":
		return computeMACD(klines, 12, 26, 9)
	case "BB":
		return computeBollinger(klines, orPeriod(period, 20), 2.0)
	case "ATR":
		return computeATR(klines, orPeriod(period, 14))
	case "STOCH":
		return computeStochastic(klines, 14, 3, 3)
	case "CCI":
		return computeCCI(klines, orPeriod(period, 20))
	case "OBV":
		return computeOBV(klines)
	case "VWAP":
		return computeVWAP(klines)
	case "MFI":
		return computeMFI(klines, orPeriod(period, 14))
	case "KC":
		return computeKeltner(klines, orPeriod(period, 20), 2.0, 10)
	default:
		return nil, &UnknownIndicatorError{Name: name}
	}
}

// ComputeAll runs every named indicator. A name may carry a period
// suffix, as in "EMA_50" or "SMA_200". Unknown names and series too
// short for an indicator are collected in skipped rather than failing
// the whole batch.
func ComputeAll(names []string, klines []market.Kline) (results []*Result, skipped []string) {
	for _, name := range names {
		base, period := splitPeriodSuffix(name)
		r, err := Compute(base, klines, period)
		if err != nil {
			skipped = append(skipped, name)
			continue
		}
		results = append(results, r)
	}
	return results, skipped
}

func splitPeriodSuffix(name string) (string, int) {
	if i := strings.LastIndexByte(name, '_'); i > 0 {
		if p, err := strconv.Atoi(name[i+1:]); err == nil && p > 0 {
			return name[:i], p
		}
	}
	return name, 0
}

func orPeriod(period, def int) int {
	if period <= 0 {
		return def
	}
	return period
}

func ptr(v float64) *float64 { return &v }

func timestamps(klines []market.Kline) []int64 {
	ts := make([]int64, len(klines))
	for i, k := range klines {
		ts[i] = k.OpenTime
	}
	return ts
}

func closes(klines []market.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close.InexactFloat64()
	}
	return out
}

func typicalPrices(klines []market.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = (k.High.InexactFloat64() + k.Low.InexactFloat64() + k.Close.InexactFloat64()) / 3
	}
	return out
}

// smaSeries computes a simple moving average aligned with values.
func smaSeries(values []float64, period int) []*float64 {
	out := make([]*float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = ptr(sum / float64(period))
		}
	}
	return out
}

// emaSeries seeds with the SMA of the first period values, then applies
// the standard 2/(n+1) smoothing.
func emaSeries(values []float64, period int) []*float64 {
	out := make([]*float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	ema := seed / float64(period)
	out[period-1] = ptr(ema)

	alpha := 2 / float64(period+1)
	for i := period; i < len(values); i++ {
		ema = alpha*values[i] + (1-alpha)*ema
		out[i] = ptr(ema)
	}
	return out
}

// trueRanges returns the TR series; index 0 is the plain high-low range.
func trueRanges(klines []market.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		high, low := k.High.InexactFloat64(), k.Low.InexactFloat64()
		tr := high - low
		if i > 0 {
			prevClose := klines[i-1].Close.InexactFloat64()
			tr = math.Max(tr, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		}
		out[i] = tr
	}
	return out
}

// atrValues applies Wilder smoothing over the true ranges starting at
// index 1, so the first ATR lands at index period.
func atrValues(klines []market.Kline, period int) []*float64 {
	out := make([]*float64, len(klines))
	if len(klines) < period+1 {
		return out
	}
	tr := trueRanges(klines)

	atr := 0.0
	for _, v := range tr[1 : period+1] {
		atr += v
	}
	atr /= float64(period)
	out[period] = ptr(atr)

	for i := period + 1; i < len(tr); i++ {
		atr = (atr*float64(period-1) + tr[i]) / float64(period)
		out[i] = ptr(atr)
	}
	return out
}

func computeSMA(klines []market.Kline, period int) (*Result, error) {
	if len(klines) < period {
		return nil, &InsufficientDataError{Indicator: "SMA", Need: period, Have: len(klines)}
	}
	name := fmt.Sprintf("SMA_%d", period)
	return &Result{
		Indicator:  "SMA",
		Parameters: map[string]any{"period": period, "source": "close"},
		Timestamps: timestamps(klines),
		Columns:    map[string][]*float64{name: smaSeries(closes(klines), period)},
	}, nil
}

func computeEMA(klines []market.Kline, period int) (*Result, error) {
	if len(klines) < period {
		return nil, &InsufficientDataError{Indicator: "EMA", Need: period, Have: len(klines)}
	}
	name := fmt.Sprintf("EMA_%d", period)
	return &Result{
		Indicator:  "EMA",
		Parameters: map[string]any{"period": period, "source": "close"},
		Timestamps: timestamps(klines),
		Columns:    map[string][]*float64{name: emaSeries(closes(klines), period)},
	}, nil
}

func computeRSI(klines []market.Kline, period int) (*Result, error) {
	if len(klines) < period+1 {
		return nil, &InsufficientDataError{Indicator: "RSI", Need: period + 1, Have: len(klines)}
	}
	prices := closes(klines)
	out := make([]*float64, len(prices))

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := prices[i] - prices[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = ptr(rsiValue(avgGain, avgLoss))

	for i := period + 1; i < len(prices); i++ {
		delta := prices[i] - prices[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = ptr(rsiValue(avgGain, avgLoss))
	}

	name := fmt.Sprintf("RSI_%d", period)
	return &Result{
		Indicator:  "RSI",
		Parameters: map[string]any{"period": period, "source": "close"},
		Overbought: 70,
		Oversold:   30,
		Timestamps: timestamps(klines),
		Columns:    map[string][]*float64{name: out},
	}, nil
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

func computeMACD(klines []market.Kline, fast, slow, signal int) (*Result, error) {
	if len(klines) < slow {
		return nil, &InsufficientDataError{Indicator: "MACD", Need: slow, Have: len(klines)}
	}
	prices := closes(klines)
	fastEMA := emaSeries(prices, fast)
	slowEMA := emaSeries(prices, slow)

	macd := make([]*float64, len(prices))
	var defined []float64
	for i := range prices {
		if fastEMA[i] != nil && slowEMA[i] != nil {
			macd[i] = ptr(*fastEMA[i] - *slowEMA[i])
			defined = append(defined, *macd[i])
		}
	}

	// Signal is an EMA over the defined stretch of the MACD line.
	signalDense := emaSeries(defined, signal)
	signalLine := make([]*float64, len(prices))
	hist := make([]*float64, len(prices))
	offset := slow - 1
	for i, v := range signalDense {
		if v == nil {
			continue
		}
		signalLine[offset+i] = v
		hist[offset+i] = ptr(*macd[offset+i] - *v)
	}

	return &Result{
		Indicator:  "MACD",
		Parameters: map[string]any{"fast": fast, "slow": slow, "signal": signal},
		Timestamps: timestamps(klines),
		Columns: map[string][]*float64{
			"MACD":        macd,
			"MACD_signal": signalLine,
			"MACD_hist":   hist,
		},
	}, nil
}

func computeBollinger(klines []market.Kline, period int, stdDev float64) (*Result, error) {
	if len(klines) < period {
		return nil, &InsufficientDataError{Indicator: "BB", Need: period, Have: len(klines)}
	}
	prices := closes(klines)
	middle := smaSeries(prices, period)

	upper := make([]*float64, len(prices))
	lower := make([]*float64, len(prices))
	for i := period - 1; i < len(prices); i++ {
		mean := *middle[i]
		variance := 0.0
		for _, v := range prices[i-period+1 : i+1] {
			variance += (v - mean) * (v - mean)
		}
		// Sample deviation, matching the usual charting convention.
		sd := math.Sqrt(variance / float64(period-1))
		upper[i] = ptr(mean + stdDev*sd)
		lower[i] = ptr(mean - stdDev*sd)
	}

	return &Result{
		Indicator:  "BB",
		Parameters: map[string]any{"period": period, "std_dev": stdDev, "source": "close"},
		Timestamps: timestamps(klines),
		Columns: map[string][]*float64{
			"BB_lower":  lower,
			"BB_middle": middle,
			"BB_upper":  upper,
		},
	}, nil
}

func computeATR(klines []market.Kline, period int) (*Result, error) {
	if len(klines) < period+1 {
		return nil, &InsufficientDataError{Indicator: "ATR", Need: period + 1, Have: len(klines)}
	}
	name := fmt.Sprintf("ATR_%d", period)
	return &Result{
		Indicator:  "ATR",
		Parameters: map[string]any{"period": period},
		Timestamps: timestamps(klines),
		Columns:    map[string][]*float64{name: atrValues(klines, period)},
	}, nil
}

func computeStochastic(klines []market.Kline, kPeriod, dPeriod, smoothK int) (*Result, error) {
	need := kPeriod + smoothK - 1
	if len(klines) < need {
		return nil, &InsufficientDataError{Indicator: "STOCH", Need: need, Have: len(klines)}
	}

	rawK := make([]*float64, len(klines))
	for i := kPeriod - 1; i < len(klines); i++ {
		highest := math.Inf(-1)
		lowest := math.Inf(1)
		for _, k := range klines[i-kPeriod+1 : i+1] {
			highest = math.Max(highest, k.High.InexactFloat64())
			lowest = math.Min(lowest, k.Low.InexactFloat64())
		}
		if highest == lowest {
			rawK[i] = ptr(50)
			continue
		}
		rawK[i] = ptr(100 * (klines[i].Close.InexactFloat64() - lowest) / (highest - lowest))
	}

	smoothed := smaOverDefined(rawK, smoothK)
	dLine := smaOverDefined(smoothed, dPeriod)

	return &Result{
		Indicator:  "STOCH",
		Parameters: map[string]any{"k_period": kPeriod, "d_period": dPeriod, "smooth_k": smoothK},
		Overbought: 80,
		Oversold:   20,
		Timestamps: timestamps(klines),
		Columns: map[string][]*float64{
			"STOCH_K": smoothed,
			"STOCH_D": dLine,
		},
	}, nil
}

// smaOverDefined averages the last period entries, emitting a value only
// once the full window is defined.
func smaOverDefined(values []*float64, period int) []*float64 {
	out := make([]*float64, len(values))
	for i := range values {
		if i < period-1 {
			continue
		}
		sum := 0.0
		ok := true
		for _, v := range values[i-period+1 : i+1] {
			if v == nil {
				ok = false
				break
			}
			sum += *v
		}
		if ok {
			out[i] = ptr(sum / float64(period))
		}
	}
	return out
}

func computeCCI(klines []market.Kline, period int) (*Result, error) {
	if len(klines) < period {
		return nil, &InsufficientDataError{Indicator: "CCI", Need: period, Have: len(klines)}
	}
	tp := typicalPrices(klines)
	out := make([]*float64, len(tp))
	for i := period - 1; i < len(tp); i++ {
		window := tp[i-period+1 : i+1]
		mean := 0.0
		for _, v := range window {
			mean += v
		}
		mean /= float64(period)

		meanDev := 0.0
		for _, v := range window {
			meanDev += math.Abs(v - mean)
		}
		meanDev /= float64(period)
		if meanDev == 0 {
			out[i] = ptr(0)
			continue
		}
		out[i] = ptr((tp[i] - mean) / (0.015 * meanDev))
	}

	name := fmt.Sprintf("CCI_%d", period)
	return &Result{
		Indicator:  "CCI",
		Parameters: map[string]any{"period": period},
		Overbought: 100,
		Oversold:   -100,
		Timestamps: timestamps(klines),
		Columns:    map[string][]*float64{name: out},
	}, nil
}

func computeOBV(klines []market.Kline) (*Result, error) {
	if len(klines) == 0 {
		return nil, &InsufficientDataError{Indicator: "OBV", Need: 1, Have: 0}
	}
	out := make([]*float64, len(klines))
	obv := klines[0].Volume.InexactFloat64()
	out[0] = ptr(obv)
	for i := 1; i < len(klines); i++ {
		switch klines[i].Close.Cmp(klines[i-1].Close) {
		case 1:
			obv += klines[i].Volume.InexactFloat64()
		case -1:
			obv -= klines[i].Volume.InexactFloat64()
		}
		out[i] = ptr(obv)
	}
	return &Result{
		Indicator:  "OBV",
		Timestamps: timestamps(klines),
		Columns:    map[string][]*float64{"OBV": out},
	}, nil
}

func computeVWAP(klines []market.Kline) (*Result, error) {
	if len(klines) == 0 {
		return nil, &InsufficientDataError{Indicator: "VWAP", Need: 1, Have: 0}
	}
	tp := typicalPrices(klines)
	out := make([]*float64, len(klines))
	cumPV, cumV := 0.0, 0.0
	for i, k := range klines {
		v := k.Volume.InexactFloat64()
		cumPV += tp[i] * v
		cumV += v
		if cumV > 0 {
			out[i] = ptr(cumPV / cumV)
		}
	}
	return &Result{
		Indicator:  "VWAP",
		Timestamps: timestamps(klines),
		Columns:    map[string][]*float64{"VWAP": out},
	}, nil
}

func computeMFI(klines []market.Kline, period int) (*Result, error) {
	if len(klines) < period+1 {
		return nil, &InsufficientDataError{Indicator: "MFI", Need: period + 1, Have: len(klines)}
	}
	tp := typicalPrices(klines)
	out := make([]*float64, len(klines))
	for i := period; i < len(klines); i++ {
		posFlow, negFlow := 0.0, 0.0
		for j := i - period + 1; j <= i; j++ {
			flow := tp[j] * klines[j].Volume.InexactFloat64()
			switch {
			case tp[j] > tp[j-1]:
				posFlow += flow
			case tp[j] < tp[j-1]:
				negFlow += flow
			}
		}
		if negFlow == 0 {
			out[i] = ptr(100)
			continue
		}
		out[i] = ptr(100 - 100/(1+posFlow/negFlow))
	}

	name := fmt.Sprintf("MFI_%d", period)
	return &Result{
		Indicator:  "MFI",
		Parameters: map[string]any{"period": period},
		Overbought: 80,
		Oversold:   20,
		Timestamps: timestamps(klines),
		Columns:    map[string][]*float64{name: out},
	}, nil
}

func computeKeltner(klines []market.Kline, period int, multiplier float64, atrPeriod int) (*Result, error) {
	need := max(period, atrPeriod+1)
	if len(klines) < need {
		return nil, &InsufficientDataError{Indicator: "KC", Need: need, Have: len(klines)}
	}
	middle := emaSeries(closes(klines), period)
	atr := atrValues(klines, atrPeriod)

	upper := make([]*float64, len(klines))
	lower := make([]*float64, len(klines))
	for i := range klines {
		if middle[i] == nil || atr[i] == nil {
			continue
		}
		upper[i] = ptr(*middle[i] + multiplier**atr[i])
		lower[i] = ptr(*middle[i] - multiplier**atr[i])
	}

	return &Result{
		Indicator:  "KC",
		Parameters: map[string]any{"period": period, "atr_multiplier": multiplier, "atr_period": atrPeriod},
		Timestamps: timestamps(klines),
		Columns: map[string][]*float64{
			"KC_lower":  lower,
			"KC_middle": middle,
			"KC_upper":  upper,
		},
	}, nil
}
