package indicator

// SMA computes the simple moving average over the last params["period"]
// closed values, the same formula as internal/indicators.SMA.
func SMA(closes []float64, params map[string]float64) float64 {
	period := int(params["period"])
	if period <= 0 {
		period = 20
	}
	if len(closes) < period {
		return 0
	}
	sum := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		sum += closes[i]
	}
	return sum / float64(period)
}

// RSI computes a basic Wilder-style RSI without smoothing across windows,
// the same formula as internal/indicators.RSI.
func RSI(closes []float64, params map[string]float64) float64 {
	period := int(params["period"])
	if period <= 0 {
		period = 14
	}
	if len(closes) < period+1 {
		return 0
	}

	gain, loss := 0.0, 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - (100 / (1 + rs))
}
