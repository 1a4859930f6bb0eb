package feature

import "math"

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// populationStd uses the N denominator.
func populationStd(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	acc := 0.0
	for _, v := range values {
		acc += (v - m) * (v - m)
	}
	return math.Sqrt(acc / float64(len(values)))
}

// weightedMean weights values 1..n, oldest to newest.
func weightedMean(values []float64) float64 {
	num, den := 0.0, 0.0
	for i, v := range values {
		w := float64(i + 1)
		num += w * v
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// rsi is the average gain/loss RSI over the period-over-period changes of
// values. A zero average loss yields 100.
func rsi(values []float64) float64 {
	gains, losses := 0.0, 0.0
	for i := 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gains += d
		} else {
			losses -= d
		}
	}
	n := float64(len(values) - 1)
	avgGain, avgLoss := gains/n, losses/n
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
