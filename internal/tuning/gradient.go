package tuning

import (
	"fmt"
	"math"

	"github.com/tributary-ai/adaptive-router/internal/fuzzy"
	"github.com/tributary-ai/adaptive-router/internal/types"
)

type paramGradient struct {
	center float64
	width  float64
}

type gradientSet [types.NumFactors][fuzzy.NumLevels]paramGradient

// meanSquaredError of the predicted composite score against labeled actuals
func meanSquaredError(ps *fuzzy.ParameterSet, samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		predicted, _ := fuzzy.Evaluate(ps, s.Inputs, s.Weights)
		diff := predicted - *s.ActualScore
		sum += diff * diff
	}
	return sum / float64(len(samples))
}

// gradient estimates dMSE/dparam for every center and width by central
// differences. Probes run on copies, so the input set is never modified.
func gradient(ps *fuzzy.ParameterSet, samples []Sample, eps float64) (gradientSet, error) {
	var grad gradientSet

	probe := func(f types.Factor, l fuzzy.Level, center bool) (float64, error) {
		plus, minus := *ps, *ps
		if center {
			plus[f][l].Center += eps
			minus[f][l].Center -= eps
		} else {
			plus[f][l].Width += eps
			minus[f][l].Width -= eps
		}
		g := (meanSquaredError(&plus, samples) - meanSquaredError(&minus, samples)) / (2 * eps)
		if !finite(g) {
			return 0, fmt.Errorf("%w: non-finite gradient for %s/%s", ErrTuningFault, f, l)
		}
		return g, nil
	}

	for _, f := range types.AllFactors {
		for _, l := range fuzzy.AllLevels {
			gc, err := probe(f, l, true)
			if err != nil {
				return grad, err
			}
			gw, err := probe(f, l, false)
			if err != nil {
				return grad, err
			}
			grad[f][l] = paramGradient{center: gc, width: gw}
		}
	}
	return grad, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
