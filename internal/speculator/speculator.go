// Package speculator implements the orchestrator: the draft → verify →
// accept/resample round loop that drives a DraftModel and a TargetModel
// through modified rejection sampling and streams the result to an
// EventSink (spec §4.1, §5, §6).
package speculator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/specdecode/orchestrator/internal/draftmodel"
	"github.com/specdecode/orchestrator/internal/events"
	"github.com/specdecode/orchestrator/internal/genstate"
	"github.com/specdecode/orchestrator/internal/metrics"
	"github.com/specdecode/orchestrator/internal/sampler"
	"github.com/specdecode/orchestrator/internal/targetmodel"

	"gonum.org/v1/gonum/stat/distuv"
)

// LocalInferenceError wraps a failure inside the draft model itself —
// distinct from a remote target failure because there is no retry for it
// (spec §7): a broken local runtime cannot be waited out.
type LocalInferenceError struct{ Err error }

func (e *LocalInferenceError) Error() string { return fmt.Sprintf("local inference error: %v", e.Err) }
func (e *LocalInferenceError) Unwrap() error  { return e.Err }

// PreconditionError marks an invalid request before any round has run —
// bad K, bad max_tokens, empty prompt (spec §7).
type PreconditionError struct{ Msg string }

func (e *PreconditionError) Error() string { return "precondition: " + e.Msg }

// Request is one generation's parameters (spec §6.1's start request).
type Request struct {
	Prompt      string
	K           int
	Temperature float64
	MaxTokens   int
}

func (r Request) validate() error {
	if r.Prompt == "" {
		return &PreconditionError{Msg: "prompt must not be empty"}
	}
	if r.K < 1 {
		return &PreconditionError{Msg: "k must be >= 1"}
	}
	if r.MaxTokens < 1 {
		return &PreconditionError{Msg: "max_tokens must be >= 1"}
	}
	return nil
}

// EOSSet reports whether a token id is an end-of-sequence marker for the
// active draft/target vocabulary.
type EOSSet map[int64]struct{}

// Speculator owns one draft model (behind a single-holder lock — the KV
// cache it carries is mutable shared state, spec §4.2) and drives any
// number of concurrent generations against a shared target model client.
type Speculator struct {
	draft  draftmodel.Model
	target targetmodel.Model
	eos    EOSSet
	topN   int
	window int
	log    *zap.Logger

	draftLock chan struct{} // single-holder lock: buffered chan of size 1
}

// New builds a Speculator. topN is the number of target alternatives
// requested per position; window is the metrics rolling-window size
// (metrics.DefaultWindow if zero).
func New(draft draftmodel.Model, target targetmodel.Model, eos EOSSet, topN, window int, log *zap.Logger) *Speculator {
	if log == nil {
		log = zap.NewNop()
	}
	if topN <= 0 {
		topN = 5
	}
	lock := make(chan struct{}, 1)
	lock <- struct{}{}
	return &Speculator{draft: draft, target: target, eos: eos, topN: topN, window: window, log: log, draftLock: lock}
}

// Run drives one full generation, emitting its event stream to sink in
// strict causal order (spec §5), and returns only after a terminal event
// (Done or Error) has been delivered.
func (s *Speculator) Run(ctx context.Context, req Request, sink events.Sink) error {
	genID := uuid.NewString()
	log := s.log.With(zap.String("generation_id", genID))

	if err := req.validate(); err != nil {
		return s.fail(ctx, sink, 0, err)
	}

	inputIDs, err := s.draft.TokenizerPrompt(ctx, req.Prompt)
	if err != nil {
		return s.fail(ctx, sink, 0, &LocalInferenceError{Err: err})
	}

	state := genstate.New(req.Prompt, inputIDs, decoderAdapter{s.draft})
	tracker := metrics.New(s.window)
	start := time.Now()

	var totalSpeedupSum float64
	var roundsForSpeedup int

	for {
		if err := ctx.Err(); err != nil {
			return s.done(ctx, sink, state, tracker, start)
		}
		if state.TotalCommitted >= req.MaxTokens {
			return s.done(ctx, sink, state, tracker, start)
		}

		state.AdvanceRound()
		round := state.CurrentRound

		remaining := req.MaxTokens - state.TotalCommitted
		k := req.K
		if remaining < k {
			k = remaining
		}

		draftTokens, err := s.draftRound(ctx, log, round, state, k, req.Temperature, sink)
		if err != nil {
			return s.fail(ctx, sink, round, err)
		}
		if len(draftTokens) == 0 {
			return s.done(ctx, sink, state, tracker, start)
		}

		verifyResp, err := s.verifyRound(ctx, state, draftTokens, req.Temperature)
		if err != nil {
			return s.fail(ctx, sink, round, err)
		}

		verdict, bonusPos := s.runSampler(draftTokens, verifyResp)
		// When this round's drafts alone fill the remaining max_tokens
		// budget, a bonus token would overshoot it: point bonusPos past the
		// target's positions so applyVerdict draws none.
		if state.TotalCommitted+len(draftTokens) >= req.MaxTokens {
			bonusPos = len(verifyResp.Positions)
		}

		committed, stop, err := s.applyVerdict(ctx, round, state, draftTokens, verifyResp, verdict, bonusPos, verifyResp.LatencyMs, sink)
		if err != nil {
			return s.fail(ctx, sink, round, err)
		}

		produced := verdict.AcceptedCount + committed.bonusAccepted + committed.resampleAccepted
		snap := tracker.Record(metrics.RoundStats{
			AcceptedDraft: verdict.AcceptedCount,
			KDrafted:      len(draftTokens),
			Produced:      produced,
			DraftTimeMs:   draftTimeMs(draftTokens),
			VerifyTimeMs:  verifyResp.LatencyMs,
		}, float64(time.Since(start).Milliseconds()))

		if snap.Speedup > 0 {
			totalSpeedupSum += snap.Speedup
			roundsForSpeedup++
		}

		if err := sink.Metrics(ctx, events.MetricsEvent{
			Round:                round,
			AcceptanceRate:       snap.AcceptanceRate,
			RoundAccepted:        verdict.AcceptedCount,
			RoundTotal:           len(draftTokens),
			EffectiveTPS:         snap.EffectiveTPS,
			BaselineTPS:          snap.BaselineTPS,
			Speedup:              snap.Speedup,
			DraftLatencyMs:       snap.AvgDraftLatencyMs,
			VerifyLatencyMs:      snap.AvgVerifyLatencyMs,
			TotalTokensGenerated: snap.TotalTokensGenerated,
			EMAAcceptanceRate:    snap.EMAAcceptanceRate,
		}); err != nil {
			return s.fail(ctx, sink, round, fmt.Errorf("speculator: sink metrics: %w", err))
		}

		if stop {
			return s.done(ctx, sink, state, tracker, start)
		}
	}
}

type committedRound struct {
	bonusAccepted    int
	resampleAccepted int
}

// draftRound acquires the single-holder draft lock, proposes k tokens, and
// emits one draft_token event per position before releasing the lock.
func (s *Speculator) draftRound(ctx context.Context, log *zap.Logger, round int, state *genstate.State, k int, temperature float64, sink events.Sink) ([]draftmodel.Token, error) {
	select {
	case <-s.draftLock:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { s.draftLock <- struct{}{} }()

	tokens, err := s.draft.Draft(ctx, state.InputIDs(), k, temperature)
	if err != nil {
		return nil, &LocalInferenceError{Err: err}
	}

	for i, tok := range tokens {
		alts := make([]events.TokenAlt, len(tok.TopTokens))
		for j, c := range tok.TopTokens {
			alts[j] = events.TokenAlt{Token: c.Token, Logprob: c.Logprob}
		}
		if err := sink.DraftToken(ctx, events.DraftTokenEvent{
			Round: round, Position: i, Token: tok.Token, TokenID: tok.TokenID,
			Logprob: tok.Logprob, Entropy: tok.Entropy, TopTokens: alts,
			DraftTimeMs: tok.DraftTimeMs,
		}); err != nil {
			return nil, fmt.Errorf("speculator: sink draft_token: %w", err)
		}
	}
	return tokens, nil
}

func (s *Speculator) verifyRound(ctx context.Context, state *genstate.State, draftTokens []draftmodel.Token, temperature float64) (targetmodel.VerifyResponse, error) {
	ids := make([]int64, len(draftTokens))
	for i, t := range draftTokens {
		ids[i] = t.TokenID
	}
	return s.target.Verify(ctx, targetmodel.VerifyRequest{
		InputIDs:      state.InputIDs(),
		DraftTokens:   ids,
		Temperature:   temperature,
		TopN:          s.topN,
		PromptText:    state.PromptText,
		GeneratedText: state.GeneratedText,
	})
}

// runSampler aligns each draft token with its target position and runs
// the rejection sampler; the K+1th (bonus) position, if present and if
// every draft position was accepted, is handled by the caller.
func (s *Speculator) runSampler(draftTokens []draftmodel.Token, resp targetmodel.VerifyResponse) (sampler.Verdict, int) {
	positions := make([]sampler.Position, len(draftTokens))
	for i, tok := range draftTokens {
		var topN []sampler.Candidate
		if i < len(resp.Positions) {
			topN = resp.Positions[i]
		}
		positions[i] = sampler.Position{
			DraftTokenID: tok.TokenID,
			DraftToken:   tok.Token,
			DraftLogprob: tok.Logprob,
			TargetTopN:   topN,
		}
	}
	bonusPos := len(draftTokens)
	rng := distuv.Uniform{Min: 0, Max: 1, Src: nil}
	return sampler.Run(positions, rng), bonusPos
}

// applyVerdict commits the accepted prefix (plus resample/bonus token),
// emits a verify_result event per position, and reports whether
// generation should stop (EOS committed). verifyLatencyMs is the single
// batched Verify call's measured latency, attached to every verify_result
// event this round produces (spec §6.2's verify_time_ms).
func (s *Speculator) applyVerdict(ctx context.Context, round int, state *genstate.State, draftTokens []draftmodel.Token, resp targetmodel.VerifyResponse, verdict sampler.Verdict, bonusPos int, verifyLatencyMs float64, sink events.Sink) (committedRound, bool, error) {
	var committed committedRound

	for i, res := range verdict.Results {
		status := events.StatusAccepted
		if res.Outcome == sampler.OutcomeRejected {
			status = events.StatusRejected
		}

		tgtLP := res.TargetLogprob
		acc := res.AcceptanceProb
		ent := res.TargetEntropy
		var topAlts []events.TokenAlt
		if i < len(resp.Positions) {
			topAlts = make([]events.TokenAlt, len(resp.Positions[i]))
			for j, c := range resp.Positions[i] {
				topAlts[j] = events.TokenAlt{Token: c.Token, Logprob: c.Logprob}
			}
		}

		if err := sink.VerifyResult(ctx, events.VerifyResultEvent{
			Round: round, Position: i, Token: draftTokens[i].Token, TokenID: draftTokens[i].TokenID,
			Status: status, DraftLogprob: draftTokens[i].Logprob,
			TargetLogprob: &tgtLP, AcceptanceProb: &acc, TargetEntropy: &ent,
			TargetTopTokens: topAlts, VerifyTimeMs: verifyLatencyMs,
		}); err != nil {
			return committed, false, fmt.Errorf("speculator: sink verify_result: %w", err)
		}

		if res.Outcome == sampler.OutcomeAccepted {
			if err := state.Commit(draftTokens[i].TokenID); err != nil {
				return committed, false, fmt.Errorf("speculator: commit accepted token: %w", err)
			}
			if s.isEOS(draftTokens[i].TokenID) {
				return committed, true, nil
			}
			continue
		}

		// Rejected: commit the resampled token, emit the skipped tail (the
		// remaining positions the prefix-acceptance invariant never verifies),
		// and stop this round.
		if err := state.Commit(verdict.ResampleTokenID); err != nil {
			return committed, false, fmt.Errorf("speculator: commit resample token: %w", err)
		}
		committed.resampleAccepted = 1
		if err := sink.VerifyResult(ctx, events.VerifyResultEvent{
			Round: round, Position: i, Token: verdict.ResampleToken, TokenID: verdict.ResampleTokenID,
			Status: events.StatusResampled, DraftLogprob: 0, VerifyTimeMs: verifyLatencyMs,
		}); err != nil {
			return committed, false, fmt.Errorf("speculator: sink verify_result (resample): %w", err)
		}

		for j := i + 1; j < len(verdict.Results); j++ {
			skippedAcceptProb := 0.0
			if err := sink.VerifyResult(ctx, events.VerifyResultEvent{
				Round: round, Position: j, Token: draftTokens[j].Token, TokenID: draftTokens[j].TokenID,
				Status: events.StatusRejected, DraftLogprob: draftTokens[j].Logprob,
				AcceptanceProb: &skippedAcceptProb, VerifyTimeMs: verifyLatencyMs,
			}); err != nil {
				return committed, false, fmt.Errorf("speculator: sink verify_result (skipped): %w", err)
			}
		}
		return committed, s.isEOS(verdict.ResampleTokenID), nil
	}

	// Every draft position was accepted: draw the bonus token from the
	// target's final (K+1th) position, which costs nothing extra since the
	// target already computed it in the same batched call (spec §4.1 step 4).
	if bonusPos < len(resp.Positions) && len(resp.Positions[bonusPos]) > 0 {
		bonus := resp.Positions[bonusPos][0]
		if err := state.Commit(bonus.TokenID); err != nil {
			return committed, false, fmt.Errorf("speculator: commit bonus token: %w", err)
		}
		committed.bonusAccepted = 1
		if err := sink.VerifyResult(ctx, events.VerifyResultEvent{
			Round: round, Position: bonusPos, Token: bonus.Token, TokenID: bonus.TokenID,
			Status: events.StatusBonus, DraftLogprob: 0, VerifyTimeMs: verifyLatencyMs,
		}); err != nil {
			return committed, false, fmt.Errorf("speculator: sink verify_result (bonus): %w", err)
		}
		return committed, s.isEOS(bonus.TokenID), nil
	}

	return committed, false, nil
}

func (s *Speculator) isEOS(id int64) bool {
	_, ok := s.eos[id]
	return ok
}

func (s *Speculator) done(ctx context.Context, sink events.Sink, state *genstate.State, tracker *metrics.Tracker, start time.Time) error {
	snap := tracker.Snapshot()
	return sink.Done(ctx, events.DoneEvent{
		TotalTokens:     state.TotalCommitted,
		TotalRounds:     state.CurrentRound,
		FinalAcceptance: snap.AcceptanceRate,
		AverageSpeedup:  snap.Speedup,
		GeneratedText:   state.GeneratedText,
	})
}

func (s *Speculator) fail(ctx context.Context, sink events.Sink, round int, cause error) error {
	var r *int
	if round > 0 {
		r = &round
	}
	if sinkErr := sink.Error(ctx, events.ErrorEvent{Message: cause.Error(), Round: r}); sinkErr != nil {
		return errors.Join(cause, sinkErr)
	}
	return cause
}

func draftTimeMs(tokens []draftmodel.Token) float64 {
	sum := 0.0
	for _, t := range tokens {
		sum += t.DraftTimeMs
	}
	return sum
}

// decoderAdapter lets a draftmodel.Model satisfy genstate.Decoder without
// genstate depending on draftmodel.
type decoderAdapter struct{ m draftmodel.Model }

func (d decoderAdapter) Decode(ids []int64) (string, error) {
	return d.m.Decode(context.Background(), ids)
}
