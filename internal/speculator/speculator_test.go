package speculator

import (
	"context"
	"fmt"
	"testing"

	"github.com/specdecode/orchestrator/internal/draftmodel"
	"github.com/specdecode/orchestrator/internal/events"
	"github.com/specdecode/orchestrator/internal/sampler"
	"github.com/specdecode/orchestrator/internal/targetmodel"
)

// fakeDraft proposes k fresh tokens per call (ids 101, 102, ..., continuing
// across calls), switching to eosID and stopping early once eosAfter is
// reached.
type fakeDraft struct {
	eosID    int64
	eosAfter int // stop drafting once this many tokens have ever been drafted
	drafted  int
}

func (f *fakeDraft) TokenizerPrompt(ctx context.Context, prompt string) ([]int64, error) {
	return []int64{1, 2, 3}, nil
}

func (f *fakeDraft) Decode(ctx context.Context, ids []int64) (string, error) {
	s := ""
	for i, id := range ids {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%d", id)
	}
	return s, nil
}

func (f *fakeDraft) Draft(ctx context.Context, inputIDs []int64, k int, temperature float64) ([]draftmodel.Token, error) {
	var out []draftmodel.Token
	for i := 0; i < k; i++ {
		f.drafted++
		id := int64(100 + f.drafted)
		if f.eosAfter > 0 && f.drafted >= f.eosAfter {
			id = f.eosID
		}
		out = append(out, draftmodel.Token{TokenID: id, Token: fmt.Sprintf("t%d", id), Logprob: -0.1})
		if id == f.eosID {
			break
		}
	}
	return out, nil
}

// fakeTarget always agrees with the draft (p==q everywhere), so every
// position is certain-accept, plus a bonus token that is never EOS.
type fakeTarget struct{}

func (fakeTarget) Verify(ctx context.Context, req targetmodel.VerifyRequest) (targetmodel.VerifyResponse, error) {
	positions := make([][]sampler.Candidate, 0, len(req.DraftTokens)+1)
	for _, id := range req.DraftTokens {
		positions = append(positions, []sampler.Candidate{{TokenID: id, Token: fmt.Sprintf("t%d", id), Logprob: -0.1}})
	}
	positions = append(positions, []sampler.Candidate{{TokenID: 999999, Token: "bonus", Logprob: -0.2}})
	return targetmodel.VerifyResponse{Positions: positions}, nil
}

type recordingSink struct {
	draftTokens   []events.DraftTokenEvent
	verifyResults []events.VerifyResultEvent
	metrics       []events.MetricsEvent
	done          *events.DoneEvent
	errEvent      *events.ErrorEvent
}

func (r *recordingSink) DraftToken(ctx context.Context, ev events.DraftTokenEvent) error {
	r.draftTokens = append(r.draftTokens, ev)
	return nil
}
func (r *recordingSink) VerifyResult(ctx context.Context, ev events.VerifyResultEvent) error {
	r.verifyResults = append(r.verifyResults, ev)
	return nil
}
func (r *recordingSink) Metrics(ctx context.Context, ev events.MetricsEvent) error {
	r.metrics = append(r.metrics, ev)
	return nil
}
func (r *recordingSink) Done(ctx context.Context, ev events.DoneEvent) error {
	r.done = &ev
	return nil
}
func (r *recordingSink) Error(ctx context.Context, ev events.ErrorEvent) error {
	r.errEvent = &ev
	return nil
}

func TestRunStopsAtMaxTokens(t *testing.T) {
	s := New(&fakeDraft{eosID: -1}, fakeTarget{}, EOSSet{999: {}}, 5, 0, nil)
	sink := &recordingSink{}

	err := s.Run(context.Background(), Request{Prompt: "hi", K: 4, Temperature: 0.7, MaxTokens: 6}, sink)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sink.done == nil {
		t.Fatal("expected a done event")
	}
	if sink.done.TotalTokens > 6 {
		t.Fatalf("expected at most max_tokens=6 committed, got %d", sink.done.TotalTokens)
	}
	if sink.errEvent != nil {
		t.Fatalf("expected no error event, got %+v", sink.errEvent)
	}
}

func TestRunStopsAtEOS(t *testing.T) {
	eos := int64(500)
	s := New(&fakeDraft{eosID: eos, eosAfter: 2}, fakeTarget{}, EOSSet{eos: {}}, 5, 0, nil)
	sink := &recordingSink{}

	err := s.Run(context.Background(), Request{Prompt: "hi", K: 4, Temperature: 0.7, MaxTokens: 100}, sink)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sink.done == nil {
		t.Fatal("expected a done event")
	}
}

func TestRunRejectsInvalidPrecondition(t *testing.T) {
	s := New(&fakeDraft{eosID: -1}, fakeTarget{}, EOSSet{}, 5, 0, nil)
	sink := &recordingSink{}

	err := s.Run(context.Background(), Request{Prompt: "", K: 4, MaxTokens: 10}, sink)
	if err == nil {
		t.Fatal("expected an error for an empty prompt")
	}
	if sink.errEvent == nil {
		t.Fatal("expected the sink to receive an error event")
	}
	if sink.done != nil {
		t.Fatal("expected no done event when validation fails")
	}
}

// fakeRejectingTarget never lists the draft token in its top-N, so every
// position falls back to the eps-floor logprob and is deterministically
// rejected by sampler.acceptanceTest regardless of the rng draw.
type fakeRejectingTarget struct{}

func (fakeRejectingTarget) Verify(ctx context.Context, req targetmodel.VerifyRequest) (targetmodel.VerifyResponse, error) {
	return targetmodel.VerifyResponse{
		Positions: make([][]sampler.Candidate, len(req.DraftTokens)+1),
		LatencyMs: 7,
	}, nil
}

func TestRunCountsResampledTokensInTotalTokensGenerated(t *testing.T) {
	s := New(&fakeDraft{eosID: -1}, fakeRejectingTarget{}, EOSSet{}, 5, 0, nil)
	sink := &recordingSink{}

	if err := s.Run(context.Background(), Request{Prompt: "hi", K: 3, Temperature: 0.7, MaxTokens: 5}, sink); err != nil {
		t.Fatalf("run: %v", err)
	}

	if sink.done == nil {
		t.Fatal("expected a done event")
	}
	// Every round rejects immediately and commits exactly one resampled
	// token, so total_tokens_generated must equal max_tokens committed, not
	// zero (every round's Accepted count is 0 absent the fix).
	if sink.done.TotalTokens != 5 {
		t.Fatalf("expected 5 tokens committed, got %d", sink.done.TotalTokens)
	}
	last := sink.metrics[len(sink.metrics)-1]
	if last.TotalTokensGenerated != 5 {
		t.Fatalf("expected total_tokens_generated to count resampled tokens, got %d", last.TotalTokensGenerated)
	}

	var sawResampled, sawSkippedTail bool
	for _, ev := range sink.verifyResults {
		if ev.Status == events.StatusResampled {
			sawResampled = true
			if ev.VerifyTimeMs != 7 {
				t.Fatalf("expected resample event to carry the verify latency, got %v", ev.VerifyTimeMs)
			}
		}
		if ev.Status == events.StatusRejected && ev.Position > 0 {
			sawSkippedTail = true
			if ev.VerifyTimeMs != 7 {
				t.Fatalf("expected skipped-tail event to carry the verify latency, got %v", ev.VerifyTimeMs)
			}
		}
	}
	if !sawResampled {
		t.Fatal("expected at least one resampled verify_result event")
	}
	if !sawSkippedTail {
		t.Fatal("expected at least one skipped-tail verify_result event for a position after the rejection")
	}
}

func TestRunEmitsEventsInCausalOrderPerRound(t *testing.T) {
	s := New(&fakeDraft{eosID: -1}, fakeTarget{}, EOSSet{}, 5, 0, nil)
	sink := &recordingSink{}

	if err := s.Run(context.Background(), Request{Prompt: "hi", K: 3, Temperature: 0.5, MaxTokens: 3}, sink); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(sink.draftTokens) == 0 || len(sink.verifyResults) == 0 || len(sink.metrics) == 0 {
		t.Fatalf("expected draft/verify/metrics events, got %d/%d/%d",
			len(sink.draftTokens), len(sink.verifyResults), len(sink.metrics))
	}
	// Every draft_token in round 1 has a smaller or equal position ordering
	// than the metrics event for round 1 logically follows: just assert
	// rounds are non-decreasing as events accumulate, the causal-order
	// contract's observable consequence for a single-threaded sink.
	lastRound := 0
	for _, ev := range sink.draftTokens {
		if ev.Round < lastRound {
			t.Fatalf("draft_token round went backwards: %d after %d", ev.Round, lastRound)
		}
		lastRound = ev.Round
	}
}
