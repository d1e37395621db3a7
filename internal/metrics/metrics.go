// Package metrics implements the rolling-window MetricsTracker that turns
// raw per-round accept/reject counts and latencies into the acceptance
// rate, throughput, and speedup figures reported in each MetricsEvent
// (spec §6.2) and in the final DoneEvent summary.
package metrics

import "sync"

// DefaultWindow is W, the number of most-recent rounds the tracker
// considers when computing rolling figures.
const DefaultWindow = 50

// emaAlpha is the smoothing constant for the supplementary EMA acceptance
// rate exposed alongside the windowed figure (SPEC_FULL.md §4 item 1).
const emaAlpha = 0.1

// RoundStats is what the Speculator reports to the tracker once per round.
type RoundStats struct {
	AcceptedDraft int // draft positions accepted this round — numerator of acceptance_rate (spec §4.5)
	KDrafted      int // K positions attempted this round — denominator of acceptance_rate (spec §4.5)
	Produced      int // tokens actually committed this round: accepted draft count plus any resample/bonus (spec §8 property 5)
	DraftTimeMs   float64
	VerifyTimeMs  float64
}

// Snapshot is the tracker's derived state at a point in time.
type Snapshot struct {
	AcceptanceRate       float64
	EMAAcceptanceRate    float64
	EffectiveTPS         float64
	BaselineTPS          float64
	Speedup              float64
	AvgDraftLatencyMs    float64
	AvgVerifyLatencyMs   float64
	TotalTokensGenerated int
	TotalRounds          int
}

// Tracker is safe for concurrent use; the Speculator records from its
// single generation goroutine but a status endpoint may read concurrently.
type Tracker struct {
	mu sync.Mutex

	window []RoundStats
	cap    int
	head   int
	filled int

	totalTokens int
	totalRounds int
	startedAt   float64 // not set by any method; elapsed time arrives via Record's elapsedMs
	elapsedMs   float64

	emaAcceptance float64
	emaSet        bool
}

// New creates a tracker with the given rolling window capacity. A
// non-positive capacity falls back to DefaultWindow.
func New(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	return &Tracker{window: make([]RoundStats, capacity), cap: capacity}
}

// Record folds one round's stats into the rolling window and returns the
// snapshot to attach to that round's MetricsEvent. elapsedMs is the total
// wall-clock time since generation start, used for the TPS figures.
func (t *Tracker) Record(r RoundStats, elapsedMs float64) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.window[t.head] = r
	t.head = (t.head + 1) % t.cap
	if t.filled < t.cap {
		t.filled++
	}

	t.totalTokens += r.Produced
	t.totalRounds++
	t.elapsedMs = elapsedMs

	roundRate := 0.0
	if r.KDrafted > 0 {
		roundRate = float64(r.AcceptedDraft) / float64(r.KDrafted)
	}
	if !t.emaSet {
		t.emaAcceptance = roundRate
		t.emaSet = true
	} else {
		t.emaAcceptance = emaAlpha*roundRate + (1-emaAlpha)*t.emaAcceptance
	}

	return t.snapshotLocked()
}

// Snapshot returns the current derived state without recording a round,
// e.g. for a status endpoint.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	if t.filled == 0 {
		return Snapshot{}
	}

	var acceptedSum, kSum, draftSum, verifySum float64
	for i := 0; i < t.filled; i++ {
		r := t.window[i]
		acceptedSum += float64(r.AcceptedDraft)
		kSum += float64(r.KDrafted)
		draftSum += r.DraftTimeMs
		verifySum += r.VerifyTimeMs
	}

	rate := 0.0
	if kSum > 0 {
		rate = acceptedSum / kSum
	}

	effectiveTPS := 0.0
	if t.elapsedMs > 0 {
		effectiveTPS = float64(t.totalTokens) / (t.elapsedMs / 1000)
	}

	avgDraft := draftSum / float64(t.filled)
	avgVerify := verifySum / float64(t.filled)

	// Baseline TPS is what a purely autoregressive target-only decode would
	// achieve over the same elapsed time: one token per verify call
	// (spec §6.2's baseline_tps is the non-speculative comparison point).
	baselineTPS := 0.0
	if avgVerify > 0 {
		baselineTPS = 1000 / avgVerify
	}

	speedup := 0.0
	if baselineTPS > 0 {
		speedup = effectiveTPS / baselineTPS
	}

	return Snapshot{
		AcceptanceRate:       rate,
		EMAAcceptanceRate:    t.emaAcceptance,
		EffectiveTPS:         effectiveTPS,
		BaselineTPS:          baselineTPS,
		Speedup:              speedup,
		AvgDraftLatencyMs:    avgDraft,
		AvgVerifyLatencyMs:   avgVerify,
		TotalTokensGenerated: t.totalTokens,
		TotalRounds:          t.totalRounds,
	}
}
