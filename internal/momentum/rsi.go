package momentum

import "math"

// Signal classifies a provider's momentum
type Signal string

const (
	SignalOversold   Signal = "oversold"
	SignalOverbought Signal = "overbought"
	SignalNeutral    Signal = "neutral"
)

// Divergence describes disagreement between the short and long readings
type Divergence string

const (
	DivergenceNone    Divergence = "none"
	DivergenceBullish Divergence = "bullish"
	DivergenceBearish Divergence = "bearish"
)

// Score multipliers applied to a provider's raw factor scores
const (
	MultiplierOversold          = 1.2
	MultiplierOversoldBullish   = 1.3
	MultiplierOverbought        = 0.8
	MultiplierOverboughtBearish = 0.7
	MultiplierNeutral           = 1.0
)

const neutralRSI = 50.0

// rsi computes the oscillator over the last window scores. Each score is
// compared with a rolling baseline; deviations within band count as neither
// gain nor loss.
func rsi(scores []float64, window, minRecords int, prior, band float64) float64 {
	if len(scores) < minRecords || window <= 0 {
		return neutralRSI
	}
	if window > len(scores) {
		window = len(scores)
	}

	start := len(scores) - window
	ref := baseline(scores, start, window, minRecords, prior)

	var gain, loss float64
	for _, s := range scores[start:] {
		d := s - ref
		switch {
		case d > band:
			gain += d
		case d < -band:
			loss -= d
		}
	}

	if gain == 0 && loss == 0 {
		return neutralRSI
	}
	if loss == 0 {
		return 100
	}
	avgGain := gain / float64(window)
	avgLoss := loss / float64(window)
	return 100 - 100/(1+avgGain/avgLoss)
}

// baseline is the mean of up to window scores preceding start. When fewer
// than minRecords precede the window, the whole history is averaged together
// with minRecords pseudo-records at prior, so short histories are judged
// against a nominal healthy call and the prior fades as records accumulate.
func baseline(scores []float64, start, window, minRecords int, prior float64) float64 {
	from := start - window
	if from < 0 {
		from = 0
	}
	if preceding := scores[from:start]; len(preceding) >= minRecords {
		return mean(preceding)
	}

	sum := prior * float64(minRecords)
	for _, s := range scores {
		sum += s
	}
	return sum / float64(minRecords+len(scores))
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev of the last window scores
func stddev(scores []float64, window int) float64 {
	if window > len(scores) {
		window = len(scores)
	}
	if window < 2 {
		return 0
	}
	recent := scores[len(scores)-window:]
	m := mean(recent)

	var variance float64
	for _, s := range recent {
		variance += (s - m) * (s - m)
	}
	return math.Sqrt(variance / float64(window))
}

func classify(value, oversold, overbought float64) Signal {
	switch {
	case value < oversold:
		return SignalOversold
	case value > overbought:
		return SignalOverbought
	default:
		return SignalNeutral
	}
}

func detectDivergence(short, long, threshold float64) Divergence {
	if math.Abs(short-long) < threshold {
		return DivergenceNone
	}
	switch {
	case short > neutralRSI && long < neutralRSI:
		return DivergenceBullish
	case short < neutralRSI && long > neutralRSI:
		return DivergenceBearish
	default:
		return DivergenceNone
	}
}

func multiplierFor(signal Signal, divergence Divergence) float64 {
	switch signal {
	case SignalOversold:
		if divergence == DivergenceBullish {
			return MultiplierOversoldBullish
		}
		return MultiplierOversold
	case SignalOverbought:
		if divergence == DivergenceBearish {
			return MultiplierOverboughtBearish
		}
		return MultiplierOverbought
	default:
		return MultiplierNeutral
	}
}

// backtest measures how often a window's extreme readings predicted the
// direction of the next score. It returns the accuracy and the number of
// predictions made.
func backtest(scores []float64, window, minRecords int, prior, band, oversold, overbought float64) (float64, int) {
	var correct, predictions int
	for i := window - 1; i < len(scores)-1; i++ {
		value := rsi(scores[:i+1], window, minRecords, prior, band)
		next, cur := scores[i+1], scores[i]
		switch classify(value, oversold, overbought) {
		case SignalOversold:
			predictions++
			if next > cur {
				correct++
			}
		case SignalOverbought:
			predictions++
			if next < cur {
				correct++
			}
		}
	}
	if predictions == 0 {
		return 0, 0
	}
	return float64(correct) / float64(predictions), predictions
}
