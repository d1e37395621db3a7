// Package numerics holds the small set of shared numeric constants and
// log-probability helpers used by the draft-model adapter and the rejection
// sampler, so the two agree on one definition of "properly normalized" and
// one floor for absent-token probabilities.
package numerics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// EpsFloor is the floor probability used in two places (spec §4.1, §4.3,
// §4.4): when a token is absent from a truncated top-N list, and as the
// threshold below which a probability is treated as zero for acceptance
// purposes.
const EpsFloor = 1e-6

// DeltaNats is the log-probability penalty (ln 2, in nats) applied below the
// lowest listed logprob when synthesizing a value for an absent token
// (spec §4.1).
var DeltaNats = math.Ln2

// LogSoftmax normalizes raw logits into a proper log-probability vector:
// logprob[v] = logit[v] - logsumexp(logit). Spec §4.2/§9 call this out as a
// correctness, not performance, requirement — rejection sampling depends on
// p and q being true probabilities.
func LogSoftmax(logits []float64) []float64 {
	lse := floats.LogSumExp(logits)
	out := make([]float64, len(logits))
	for i, l := range logits {
		out[i] = l - lse
	}
	return out
}

// EntropyNats computes the Shannon entropy, in nats, of a distribution given
// as log-probabilities.
func EntropyNats(logprobs []float64) float64 {
	probs := make([]float64, len(logprobs))
	for i, lp := range logprobs {
		probs[i] = math.Exp(lp)
	}
	return stat.Entropy(probs)
}

// IsProperLogProb checks the DraftToken invariant from spec §3: a proper
// log-probability is <= 0, and the full-vocabulary distribution it came from
// sums to 1 within tolerance. Callers pass the full normalized vector to
// verify the sum; a single value only needs the <=0 check.
func IsProperLogProb(lp float64) bool {
	return lp <= 1e-9 // allow a hair of float slack above exactly 0
}

// SumsToOne reports whether exp(logprobs) sums to 1 within epsilon.
func SumsToOne(logprobs []float64, epsilon float64) bool {
	sum := 0.0
	for _, lp := range logprobs {
		sum += math.Exp(lp)
	}
	return math.Abs(sum-1.0) <= epsilon
}
