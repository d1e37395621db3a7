// Package sampler implements modified rejection sampling (Leviathan et al.,
// 2023) over aligned draft/target per-position distributions. It is pure and
// stateless: given the same inputs and the same uniform draws it always
// returns the same Verdict.
package sampler

import (
	"math"
	"sort"

	"github.com/agnivade/levenshtein"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/specdecode/orchestrator/internal/numerics"
)

// Candidate is a single (token, logprob) entry from a truncated top-N list.
type Candidate struct {
	TokenID int64
	Token   string
	Logprob float64
}

// Position is one aligned draft/target pair for a round, 0 <= i < K.
type Position struct {
	DraftTokenID      int64
	DraftToken        string
	DraftLogprob      float64 // log q(x_i), already log-softmax normalized
	DraftAlternatives []Candidate
	TargetTopN        []Candidate // p's truncated top-N at this position
}

// Outcome is the per-position result recorded in a Verdict.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeResampled Outcome = "resampled"
	OutcomeSkipped   Outcome = "skipped"
)

// PositionResult carries enough detail to populate a VerifyResult event
// without the caller re-deriving acceptance probabilities.
type PositionResult struct {
	Outcome        Outcome
	AcceptanceProb float64
	TargetLogprob  float64
	TargetEntropy  float64
}

// Verdict is the result of running the sampler over one round's K positions.
type Verdict struct {
	AcceptedCount   int
	ResampleTokenID int64
	ResampleToken   string
	Resampled       bool
	Results         []PositionResult
}

// textMatchThreshold is the maximum Levenshtein distance (normalized by the
// shorter string's length) at which a target alternative's text is treated
// as "the same token" as a draft token whose id isn't present in the
// target's vocabulary space — see spec §9 on tokenizer drift.
const textMatchThreshold = 0.15

// Run executes the per-position algorithm from spec §4.4 over K positions.
// rng supplies both the per-position acceptance draw and the residual
// sample; tests pass a seeded source for determinism (spec §8 round-trip
// property).
func Run(positions []Position, rng distuv.Uniform) Verdict {
	v := Verdict{Results: make([]PositionResult, len(positions))}

	for i, pos := range positions {
		logQ := pos.DraftLogprob
		target, logP := findTargetProb(pos.DraftTokenID, pos.DraftToken, pos.TargetTopN)

		entropy := targetEntropy(pos.TargetTopN)
		accept, acceptProb := acceptanceTest(logQ, logP, rng)

		v.Results[i] = PositionResult{
			AcceptanceProb: acceptProb,
			TargetLogprob:  logP,
			TargetEntropy:  entropy,
		}

		if accept {
			v.Results[i].Outcome = OutcomeAccepted
			v.AcceptedCount++
			continue
		}

		// Reject: draw from the residual distribution, mark the remaining
		// positions skipped, and stop — prefix-acceptance invariant.
		v.Results[i].Outcome = OutcomeRejected
		resampleID, resampleText := sampleResidual(pos, target, rng)
		v.ResampleTokenID = resampleID
		v.ResampleToken = resampleText
		v.Resampled = true

		for j := i + 1; j < len(positions); j++ {
			v.Results[j] = PositionResult{Outcome: OutcomeSkipped}
		}
		return v
	}

	// All K accepted: no resample token. The caller extracts the bonus from
	// the target's K-th position (spec §4.1 step 4, §4.4).
	return v
}

// acceptanceTest implements "accept iff u < min(1, p/q)", short-circuiting
// to certain acceptance when log p >= log q (spec §4.4 numerical notes) and
// to certain rejection when either probability is at or below the floor.
func acceptanceTest(logQ, logP float64, rng distuv.Uniform) (accept bool, acceptProb float64) {
	if logP <= math.Log(numerics.EpsFloor) || logQ <= math.Log(numerics.EpsFloor) {
		return false, 0
	}
	if logP >= logQ {
		return true, 1.0
	}
	ratio := math.Exp(logP - logQ)
	u := rng.Rand()
	return u < ratio, ratio
}

// findTargetProb locates the draft token's probability mass under the
// target distribution, by id first, then by a loose text match, then the
// ε-floor fallback (spec §4.1 edge case, §4.3, §9).
func findTargetProb(draftID int64, draftText string, targetTopN []Candidate) (Candidate, float64) {
	for _, c := range targetTopN {
		if c.TokenID == draftID {
			return c, c.Logprob
		}
	}
	if best, ok := bestTextMatch(draftText, targetTopN); ok {
		return best, best.Logprob
	}
	floored := flooredLogprob(targetTopN)
	return Candidate{TokenID: draftID, Token: draftText, Logprob: floored}, floored
}

func bestTextMatch(draftText string, targetTopN []Candidate) (Candidate, bool) {
	if draftText == "" {
		return Candidate{}, false
	}
	var best Candidate
	bestDist := math.MaxInt32
	for _, c := range targetTopN {
		if c.Token == "" {
			continue
		}
		d := levenshtein.ComputeDistance(draftText, c.Token)
		normalized := float64(d) / float64(minLen(len(draftText), len(c.Token)))
		if normalized <= textMatchThreshold && d < bestDist {
			bestDist = d
			best = c
		}
	}
	return best, bestDist != math.MaxInt32
}

func minLen(a, b int) int {
	if a < b {
		return a
	}
	if b == 0 {
		return 1
	}
	return b
}

// flooredLogprob is the ε-floor synthesis from spec §4.1: max(log ε_floor,
// min_listed_logprob - ln 2).
func flooredLogprob(targetTopN []Candidate) float64 {
	floor := math.Log(numerics.EpsFloor)
	if len(targetTopN) == 0 {
		return floor
	}
	minListed := targetTopN[0].Logprob
	for _, c := range targetTopN[1:] {
		if c.Logprob < minListed {
			minListed = c.Logprob
		}
	}
	candidate := minListed - numerics.DeltaNats
	return math.Max(floor, candidate)
}

// sampleResidual builds r = normalize(max(0, p - q)) over the union of
// tokens present in either distribution's top-N (unknown tokens are treated
// as probability zero in whichever distribution they're absent from) and
// draws one sample. This is the step that makes the output law at a
// rejected position exactly p — see spec §4.4's distribution-preservation
// invariant; it must never be skipped or substituted with the draft token.
func sampleResidual(pos Position, targetAtDraft Candidate, rng distuv.Uniform) (int64, string) {
	type mass struct {
		token string
		q, p  float64
	}
	union := make(map[int64]*mass)

	get := func(id int64) *mass {
		m, ok := union[id]
		if !ok {
			m = &mass{}
			union[id] = m
		}
		return m
	}

	m := get(pos.DraftTokenID)
	m.token = pos.DraftToken
	m.q = math.Exp(pos.DraftLogprob)

	for _, c := range pos.DraftAlternatives {
		m := get(c.TokenID)
		if m.token == "" {
			m.token = c.Token
		}
		m.q = math.Exp(c.Logprob)
	}

	for _, c := range pos.TargetTopN {
		m := get(c.TokenID)
		if m.token == "" {
			m.token = c.Token
		}
		m.p = math.Exp(c.Logprob)
	}
	if targetAtDraft.Token != "" {
		m := get(targetAtDraft.TokenID)
		m.p = math.Exp(targetAtDraft.Logprob)
		if m.token == "" {
			m.token = targetAtDraft.Token
		}
	}

	type entry struct {
		id     int64
		token  string
		weight float64
	}
	entries := make([]entry, 0, len(union))
	total := 0.0
	for id, m := range union {
		w := m.p - m.q
		if w < 0 {
			w = 0
		}
		entries = append(entries, entry{id: id, token: m.token, weight: w})
		total += w
	}
	// Map iteration order is randomized per-process; sort by id so that the
	// cumulative-distribution walk below is deterministic for a fixed rng
	// seed, as spec §8's round-trip/idempotence property requires.
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	if total <= 0 {
		// Degenerate case (q already dominates p everywhere listed): fall
		// back to the single highest-p candidate rather than leaving the
		// law undefined.
		best := entries[0]
		for _, e := range entries[1:] {
			if union[e.id].p > union[best.id].p {
				best = e
			}
		}
		return best.id, best.token
	}

	u := rng.Rand() * total
	cursor := 0.0
	for _, e := range entries {
		cursor += e.weight
		if u <= cursor {
			return e.id, e.token
		}
	}
	last := entries[len(entries)-1]
	return last.id, last.token
}

func targetEntropy(targetTopN []Candidate) float64 {
	if len(targetTopN) == 0 {
		return 0
	}
	logprobs := make([]float64, len(targetTopN))
	for i, c := range targetTopN {
		logprobs[i] = c.Logprob
	}
	return numerics.EntropyNats(logprobs)
}
