package trend

import "math"

// fit: результат линейной регрессии методом наименьших квадратов.
type fit struct {
	slope     float64
	intercept float64
	r2        float64
	t         float64 // t-статистика наклона: slope / SE(slope)
	meanY     float64
}

// leastSquares строит y = intercept + slope*x. Требует len(xs) == len(ys) >= 3.
func leastSquares(xs, ys []float64) fit {
	n := float64(len(xs))

	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var sxx, sxy, syy float64
	for i := range xs {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	if sxx == 0 {
		return fit{intercept: meanY, meanY: meanY}
	}

	f := fit{meanY: meanY}
	f.slope = sxy / sxx
	f.intercept = meanY - f.slope*meanX

	var ssRes float64
	for i := range xs {
		r := ys[i] - (f.intercept + f.slope*xs[i])
		ssRes += r * r
	}
	if syy > 0 {
		f.r2 = math.Max(0, 1-ssRes/syy)
	}

	se := math.Sqrt(ssRes / (n - 2) / sxx)
	switch {
	case se > 0:
		f.t = f.slope / se
	case f.slope != 0:
		// Точки лежат ровно на прямой
		f.t = math.Copysign(math.Inf(1), f.slope)
	}
	return f
}
