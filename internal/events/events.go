// Package events defines the flat, typed event stream the Speculator emits
// (spec §6.2) and the EventSink collaborator interface that consumes it.
package events

import "context"

// Type discriminates the event union by its wire "type" field.
type Type string

const (
	TypeDraftToken   Type = "draft_token"
	TypeVerifyResult Type = "verify_result"
	TypeMetrics      Type = "metrics"
	TypeDone         Type = "done"
	TypeError        Type = "error"
)

// VerifyStatus is the outcome of verifying one draft position.
type VerifyStatus string

const (
	StatusAccepted  VerifyStatus = "accepted"
	StatusRejected  VerifyStatus = "rejected"
	StatusResampled VerifyStatus = "resampled"
	StatusBonus     VerifyStatus = "bonus"
)

// TokenAlt is a (token text, logprob) alternative surfaced for visualization.
type TokenAlt struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
}

// DraftTokenEvent is emitted once per draft position, in position order.
type DraftTokenEvent struct {
	Round       int        `json:"round"`
	Position    int        `json:"position"`
	Token       string     `json:"token"`
	TokenID     int64      `json:"token_id"`
	Logprob     float64    `json:"logprob"`
	Entropy     float64    `json:"entropy"`
	TopTokens   []TokenAlt `json:"top_tokens"`
	DraftTimeMs float64    `json:"draft_time_ms"`
}

// VerifyResultEvent is emitted once per verified position, once more for
// the resampled token at a rejected position, once per skipped position
// after it (status rejected), and for the bonus token, if drawn.
type VerifyResultEvent struct {
	Round           int          `json:"round"`
	Position        int          `json:"position"`
	Token           string       `json:"token"`
	TokenID         int64        `json:"token_id"`
	Status          VerifyStatus `json:"status"`
	DraftLogprob    float64      `json:"draft_logprob"`
	TargetLogprob   *float64     `json:"target_logprob,omitempty"`
	AcceptanceProb  *float64     `json:"acceptance_prob,omitempty"`
	TargetEntropy   *float64     `json:"target_entropy,omitempty"`
	TargetTopTokens []TokenAlt   `json:"target_top_tokens,omitempty"`
	VerifyTimeMs    float64      `json:"verify_time_ms"`
}

// MetricsEvent reflects the rolling window state after a round completes.
type MetricsEvent struct {
	Round                int     `json:"round"`
	AcceptanceRate       float64 `json:"acceptance_rate"`
	RoundAccepted        int     `json:"round_accepted"`
	RoundTotal           int     `json:"round_total"`
	EffectiveTPS         float64 `json:"effective_tps"`
	BaselineTPS          float64 `json:"baseline_tps"`
	Speedup              float64 `json:"speedup"`
	DraftLatencyMs       float64 `json:"draft_latency_ms"`
	VerifyLatencyMs      float64 `json:"verify_latency_ms"`
	TotalTokensGenerated int     `json:"total_tokens_generated"`
	// EMAAcceptanceRate is a supplementary, non-authoritative smoothed
	// acceptance rate (alpha=0.1) alongside the windowed figure above —
	// see SPEC_FULL.md §4 item 1.
	EMAAcceptanceRate float64 `json:"ema_acceptance_rate"`
}

// DoneEvent is always the terminal event on a clean stop or cancellation.
type DoneEvent struct {
	TotalTokens     int     `json:"total_tokens"`
	TotalRounds     int     `json:"total_rounds"`
	FinalAcceptance float64 `json:"final_acceptance_rate"`
	AverageSpeedup  float64 `json:"average_speedup"`
	GeneratedText   string  `json:"generated_text"`
}

// ErrorEvent is emitted exactly once on a fatal condition; it is always the
// terminal event in that case.
type ErrorEvent struct {
	Message string `json:"message"`
	Round   *int   `json:"round,omitempty"`
}

// Sink receives the generation's event stream in strict causal order
// (spec §5): all draft_token(r,·) precede all verify_result(r,·), which
// precede metrics(r), which precedes any event of round r+1. done/error is
// always last. A sink MAY stagger delivery in wall-clock time for
// animation, but MUST NOT reorder.
type Sink interface {
	DraftToken(ctx context.Context, ev DraftTokenEvent) error
	VerifyResult(ctx context.Context, ev VerifyResultEvent) error
	Metrics(ctx context.Context, ev MetricsEvent) error
	Done(ctx context.Context, ev DoneEvent) error
	Error(ctx context.Context, ev ErrorEvent) error
}
