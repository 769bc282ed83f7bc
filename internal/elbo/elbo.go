package elbo

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"astir/internal/nn"
)

// ClassMeans returns the G x K matrix exp(exp(LogDelta) .* Rho + Mu). Marker genes
// of a class sit above the gene baseline by exp(LogDelta); all others sit at it.
func ClassMeans(fixed Fixed, p *Params) *mat.Dense {
	g, k := fixed.Rho.Dims()
	means := mat.NewDense(g, k, nil)
	means.Apply(func(i, j int, rho float64) float64 {
		return math.Exp(math.Exp(p.LogDelta.At(i, j))*rho + p.Mu[i])
	}, fixed.Rho)
	return means
}

// LogLikelihood returns the n x K matrix of log p(y_i | class k), summing Normal
// log densities over genes with standard deviation exp(LogSigma[g]).
func LogLikelihood(fixed Fixed, p *Params, y mat.Matrix) *mat.Dense {
	n, genes := y.Dims()
	_, k := fixed.Rho.Dims()
	means := ClassMeans(fixed, p)

	out := mat.NewDense(n, k, nil)
	for c := 0; c < k; c++ {
		for g := 0; g < genes; g++ {
			dist := distuv.Normal{Mu: means.At(g, c), Sigma: math.Exp(p.LogSigma[g])}
			for i := 0; i < n; i++ {
				out.Set(i, c, out.At(i, c)+dist.LogProb(y.At(i, g)))
			}
		}
	}
	return out
}

// Loss returns the negative ELBO of one batch:
//
//	-sum_{i,k} gamma[i,k] * (logp(y_i|k) + logAlpha[k] - log gamma[i,k])
//
// with gamma the recognition network output for x.
func Loss(fixed Fixed, p *Params, y, x mat.Matrix) float64 {
	trace := p.Net.Trace(x)
	loss, _ := negativeELBO(fixed, LogLikelihood(fixed, p, y), trace)
	return loss
}

// Evaluate returns the negative ELBO of one batch and its gradient with respect
// to every parameter, including the recognition network through gamma.
func Evaluate(fixed Fixed, p *Params, y, x mat.Matrix) (float64, Grads) {
	n, genes := y.Dims()
	_, k := fixed.Rho.Dims()

	trace := p.Net.Trace(x)
	gamma := trace.Probs
	means := ClassMeans(fixed, p)

	logLik := mat.NewDense(n, k, nil)
	dMean := mat.NewDense(genes, k, nil)
	dLogSigma := make([]float64, genes)
	for g := 0; g < genes; g++ {
		sigma := math.Exp(p.LogSigma[g])
		variance := sigma * sigma
		for c := 0; c < k; c++ {
			m := means.At(g, c)
			dist := distuv.Normal{Mu: m, Sigma: sigma}
			var sumResid float64
			for i := 0; i < n; i++ {
				v := y.At(i, g)
				logLik.Set(i, c, logLik.At(i, c)+dist.LogProb(v))

				w := gamma.At(i, c)
				r := v - m
				sumResid += w * r
				dLogSigma[g] -= w * (r*r/variance - 1)
			}
			dMean.Set(g, c, -sumResid/variance)
		}
	}

	loss, dLogits := negativeELBO(fixed, logLik, trace)

	grads := Grads{
		Mu:       make([]float64, genes),
		LogSigma: dLogSigma,
		LogDelta: mat.NewDense(genes, k, nil),
		Net:      p.Net.Backward(trace, dLogits),
	}
	for g := 0; g < genes; g++ {
		for c := 0; c < k; c++ {
			// d mean / d u = mean for u = exp(logDelta)*rho + mu.
			du := dMean.At(g, c) * means.At(g, c)
			grads.Mu[g] += du
			if rho := fixed.Rho.At(g, c); rho != 0 {
				grads.LogDelta.Set(g, c, du*rho*math.Exp(p.LogDelta.At(g, c)))
			}
		}
	}
	return loss, grads
}

// negativeELBO combines the likelihood with the recognition posterior and returns
// the loss and its gradient with respect to the network logits.
func negativeELBO(fixed Fixed, logLik *mat.Dense, trace nn.Trace) (float64, *mat.Dense) {
	n, k := logLik.Dims()
	gamma, logGamma := trace.Probs, trace.LogProbs

	dLogits := mat.NewDense(n, k, nil)
	f := make([]float64, k)
	var elbo float64
	for i := 0; i < n; i++ {
		var mean float64
		for c := 0; c < k; c++ {
			f[c] = logLik.At(i, c) + fixed.LogAlpha[c] - logGamma.At(i, c)
			mean += gamma.At(i, c) * f[c]
		}
		elbo += mean
		// d/dz_c sum_j gamma_j f_j = gamma_c (f_c - sum_j gamma_j f_j).
		for c := 0; c < k; c++ {
			dLogits.Set(i, c, -gamma.At(i, c)*(f[c]-mean))
		}
	}
	return -elbo, dLogits
}
