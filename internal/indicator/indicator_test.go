package indicator

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandalabs/panda-mcp/internal/domain/market"
)

// flatKlines builds klines where high, low, and close all equal the
// given price, which keeps fixtures hand-computable.
func flatKlines(prices []float64, volumes []float64) []market.Kline {
	out := make([]market.Kline, len(prices))
	for i, p := range prices {
		d := decimal.NewFromFloat(p)
		vol := decimal.NewFromInt(1)
		if volumes != nil {
			vol = decimal.NewFromFloat(volumes[i])
		}
		out[i] = market.Kline{
			OpenTime: int64(1700000000000 + i*60000),
			Open:     d,
			High:     d,
			Low:      d,
			Close:    d,
			Volume:   vol,
		}
	}
	return out
}

func ohlcKlines(rows [][3]float64) []market.Kline {
	out := make([]market.Kline, len(rows))
	for i, r := range rows {
		out[i] = market.Kline{
			OpenTime: int64(1700000000000 + i*60000),
			High:     decimal.NewFromFloat(r[0]),
			Low:      decimal.NewFromFloat(r[1]),
			Close:    decimal.NewFromFloat(r[2]),
			Volume:   decimal.NewFromInt(1),
		}
	}
	return out
}

func column(t *testing.T, r *Result, name string) []*float64 {
	t.Helper()
	col, ok := r.Columns[name]
	require.True(t, ok, "missing column %s, have %v", name, r.Columns)
	return col
}

func TestSMA_WarmupAndValues(t *testing.T) {
	r, err := Compute("SMA", flatKlines([]float64{1, 2, 3, 4, 5}, nil), 3)
	require.NoError(t, err)

	col := column(t, r, "SMA_3")
	assert.Nil(t, col[0])
	assert.Nil(t, col[1])
	assert.InDelta(t, 2, *col[2], 1e-9)
	assert.InDelta(t, 3, *col[3], 1e-9)
	assert.InDelta(t, 4, *col[4], 1e-9)
	assert.Len(t, r.Timestamps, 5)
}

func TestEMA_SeededWithSMA(t *testing.T) {
	r, err := Compute("EMA", flatKlines([]float64{1, 2, 3, 4, 5}, nil), 3)
	require.NoError(t, err)

	col := column(t, r, "EMA_3")
	assert.Nil(t, col[1])
	assert.InDelta(t, 2, *col[2], 1e-9)
	assert.InDelta(t, 3, *col[3], 1e-9)
	assert.InDelta(t, 4, *col[4], 1e-9)
}

func TestRSI_WilderFixture(t *testing.T) {
	// Closing prices from Wilder's worked example; the first RSI value
	// is widely published as 70.46.
	prices := []float64{
		44.34, 44.09, 44.15, 43.61, 44.33, 44.83, 45.10, 45.42,
		45.84, 46.08, 45.89, 46.03, 45.61, 46.28, 46.28,
	}
	r, err := Compute("RSI", flatKlines(prices, nil), 14)
	require.NoError(t, err)

	col := column(t, r, "RSI_14")
	assert.Nil(t, col[13])
	require.NotNil(t, col[14])
	assert.InDelta(t, 70.46, *col[14], 0.05)
	assert.EqualValues(t, 70, r.Overbought)
	assert.EqualValues(t, 30, r.Oversold)
}

func TestRSI_MonotonicExtremes(t *testing.T) {
	up, err := Compute("RSI", flatKlines([]float64{1, 2, 3, 4, 5}, nil), 3)
	require.NoError(t, err)
	assert.InDelta(t, 100, *column(t, up, "RSI_3")[4], 1e-9)

	down, err := Compute("RSI", flatKlines([]float64{5, 4, 3, 2, 1}, nil), 3)
	require.NoError(t, err)
	assert.InDelta(t, 0, *column(t, down, "RSI_3")[4], 1e-9)
}

func TestMACD_FlatSeriesIsZero(t *testing.T) {
	prices := make([]float64, 40)
	for i := range prices {
		prices[i] = 100
	}
	r, err := Compute("MACD", flatKlines(prices, nil), 0)
	require.NoError(t, err)

	macd := column(t, r, "MACD")
	signal := column(t, r, "MACD_signal")
	hist := column(t, r, "MACD_hist")

	assert.Nil(t, macd[24])
	require.NotNil(t, macd[25], "MACD line starts once the slow EMA is defined")
	assert.Nil(t, signal[32])
	require.NotNil(t, signal[33], "signal starts 9 MACD values later")

	for i := 33; i < len(prices); i++ {
		assert.InDelta(t, 0, *macd[i], 1e-9)
		assert.InDelta(t, 0, *signal[i], 1e-9)
		assert.InDelta(t, 0, *hist[i], 1e-9)
	}
}

func TestBollinger_BandsFromSampleDeviation(t *testing.T) {
	r, err := Compute("BB", flatKlines([]float64{1, 2, 3}, nil), 3)
	require.NoError(t, err)

	assert.InDelta(t, 2, *column(t, r, "BB_middle")[2], 1e-9)
	assert.InDelta(t, 4, *column(t, r, "BB_upper")[2], 1e-9)
	assert.InDelta(t, 0, *column(t, r, "BB_lower")[2], 1e-9)
}

func TestATR_WilderSmoothing(t *testing.T) {
	klines := ohlcKlines([][3]float64{
		{10, 8, 9},
		{11, 9, 10},
		{12, 10, 11},
		{13, 11, 12},
		{15, 11, 14},
	})
	r, err := Compute("ATR", klines, 3)
	require.NoError(t, err)

	col := column(t, r, "ATR_3")
	assert.Nil(t, col[2])
	require.NotNil(t, col[3])
	assert.InDelta(t, 2, *col[3], 1e-9)
	// TR jumps to 4 on the last bar: (2*2 + 4) / 3.
	assert.InDelta(t, 8.0/3, *col[4], 1e-9)
}

func TestStochastic_ConstantRatio(t *testing.T) {
	rows := make([][3]float64, 20)
	for i := range rows {
		base := float64(i)
		rows[i] = [3]float64{base + 10, base, base + 5}
	}
	r, err := Compute("STOCH", ohlcKlines(rows), 0)
	require.NoError(t, err)

	// A linear ramp keeps close at the same position inside the 14-bar
	// range: (c - lowest) / (highest - lowest) = 18/23.
	want := 100 * 18.0 / 23.0
	kCol := column(t, r, "STOCH_K")
	dCol := column(t, r, "STOCH_D")
	last := len(rows) - 1
	require.NotNil(t, kCol[last])
	require.NotNil(t, dCol[last])
	assert.InDelta(t, want, *kCol[last], 1e-9)
	assert.InDelta(t, want, *dCol[last], 1e-9)
	assert.EqualValues(t, 80, r.Overbought)
	assert.EqualValues(t, 20, r.Oversold)
}

func TestCCI_LinearRamp(t *testing.T) {
	r, err := Compute("CCI", flatKlines([]float64{1, 2, 3, 4}, nil), 3)
	require.NoError(t, err)

	col := column(t, r, "CCI_3")
	// For a steady ramp the deviation term is constant, pinning CCI
	// at 1 / 0.015 scaled by mean deviation 2/3.
	assert.InDelta(t, 100, *col[2], 1e-9)
	assert.InDelta(t, 100, *col[3], 1e-9)
}

func TestOBV_SignedCumulative(t *testing.T) {
	klines := flatKlines([]float64{1, 2, 2, 1}, []float64{10, 20, 30, 40})
	r, err := Compute("OBV", klines, 0)
	require.NoError(t, err)

	col := column(t, r, "OBV")
	assert.InDelta(t, 10, *col[0], 1e-9)
	assert.InDelta(t, 30, *col[1], 1e-9)
	assert.InDelta(t, 30, *col[2], 1e-9, "unchanged close adds nothing")
	assert.InDelta(t, -10, *col[3], 1e-9)
}

func TestVWAP_VolumeWeighted(t *testing.T) {
	klines := flatKlines([]float64{10, 20}, []float64{1, 3})
	r, err := Compute("VWAP", klines, 0)
	require.NoError(t, err)

	col := column(t, r, "VWAP")
	assert.InDelta(t, 10, *col[0], 1e-9)
	assert.InDelta(t, 17.5, *col[1], 1e-9)
}

func TestMFI_FlowExtremes(t *testing.T) {
	up, err := Compute("MFI", flatKlines([]float64{1, 2, 3}, nil), 2)
	require.NoError(t, err)
	assert.InDelta(t, 100, *column(t, up, "MFI_2")[2], 1e-9)

	down, err := Compute("MFI", flatKlines([]float64{3, 2, 1}, nil), 2)
	require.NoError(t, err)
	assert.InDelta(t, 0, *column(t, down, "MFI_2")[2], 1e-9)
}

func TestKeltner_BandsTrackATR(t *testing.T) {
	rows := make([][3]float64, 25)
	for i := range rows {
		c := float64(i + 10)
		rows[i] = [3]float64{c + 1, c - 1, c}
	}
	r, err := Compute("KC", ohlcKlines(rows), 0)
	require.NoError(t, err)

	last := len(rows) - 1
	middle := column(t, r, "KC_middle")[last]
	upper := column(t, r, "KC_upper")[last]
	lower := column(t, r, "KC_lower")[last]
	require.NotNil(t, middle)

	// True range is a constant 2, so the bands sit 2*ATR = 4 away.
	assert.InDelta(t, 4, *upper-*middle, 1e-9)
	assert.InDelta(t, 4, *middle-*lower, 1e-9)
}

func TestCompute_UnknownIndicator(t *testing.T) {
	_, err := Compute("WOBBLE", flatKlines([]float64{1, 2, 3}, nil), 0)

	var unknownErr *UnknownIndicatorError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "WOBBLE", unknownErr.Name)
}

func TestCompute_CaseInsensitiveNames(t *testing.T) {
	r, err := Compute("rsi", flatKlines([]float64{1, 2, 3, 4, 5}, nil), 3)
	require.NoError(t, err)
	assert.Equal(t, "RSI", r.Indicator)
}

func TestCompute_InsufficientData(t *testing.T) {
	short := flatKlines([]float64{1, 2, 3}, nil)

	tests := []struct {
		name string
		need int
	}{
		{name: "SMA", need: 20},
		{name: "RSI", need: 15},
		{name: "MACD", need: 26},
		{name: "ATR", need: 15},
		{name: "STOCH", need: 16},
		{name: "MFI", need: 15},
		{name: "KC", need: 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(tt.name, short, 0)

			var dataErr *InsufficientDataError
			require.ErrorAs(t, err, &dataErr)
			assert.Equal(t, tt.need, dataErr.Need)
			assert.Equal(t, 3, dataErr.Have)
		})
	}
}

func TestComputeAll_SkipsFailures(t *testing.T) {
	klines := flatKlines([]float64{1, 2, 3, 4, 5}, nil)

	results, skipped := ComputeAll([]string{"OBV", "VWAP", "MACD", "NOPE"}, klines)

	require.Len(t, results, 2)
	assert.Equal(t, "OBV", results[0].Indicator)
	assert.Equal(t, "VWAP", results[1].Indicator)
	assert.Equal(t, []string{"MACD", "NOPE"}, skipped)
}

func TestComputeAll_PeriodSuffixNames(t *testing.T) {
	prices := make([]float64, 60)
	for i := range prices {
		prices[i] = float64(i + 1)
	}
	klines := flatKlines(prices, nil)

	results, skipped := ComputeAll([]string{"EMA_50", "SMA_5", "RSI_200"}, klines)

	require.Len(t, results, 2)
	assert.Nil(t, results[0].Columns["EMA_50"][48])
	assert.NotNil(t, results[0].Columns["EMA_50"][49])
	assert.InDelta(t, 55, *results[1].Columns["SMA_5"][56], 1e-9)
	assert.Equal(t, []string{"RSI_200"}, skipped, "period beyond the data is skipped with its full name")
}

func TestKnown_CoversDispatch(t *testing.T) {
	prices := make([]float64, 60)
	for i := range prices {
		prices[i] = 100 + float64(i%7)
	}
	klines := flatKlines(prices, nil)

	for _, name := range Known() {
		t.Run(name, func(t *testing.T) {
			r, err := Compute(name, klines, 0)
			require.NoError(t, err)
			assert.Equal(t, name, r.Indicator)
			assert.NotEmpty(t, r.Columns)
		})
	}
}

func TestInsufficientDataError_Message(t *testing.T) {
	err := &InsufficientDataError{Indicator: "RSI", Need: 15, Have: 3}
	assert.Equal(t, "RSI needs at least 15 klines, got 3", err.Error())
}
