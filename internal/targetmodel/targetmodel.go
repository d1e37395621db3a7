// Package targetmodel implements the TargetModel collaborator: an HTTP
// client that asks a remote completions endpoint to verify K+1 draft
// positions in one batched call and returns top-N logprobs per position.
package targetmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"

	"github.com/specdecode/orchestrator/internal/sampler"
)

// minTemperature is the floor applied to a requested temperature of 0
// before it reaches the target model (spec §4.2 temperature-floor note);
// true greedy decoding is a draftmodel-only concept.
const minTemperature = 0.01

// retryBackoff is the pause before the single retry on a transient error.
const retryBackoff = 250 * time.Millisecond

// VerifyRequest is one batched verification call: the full context plus
// the K positions the draft model proposed. PromptText and GeneratedText
// are the raw turns a PromptFormatter needing a textual transcript (rather
// than only input_ids) renders into its own wire format.
type VerifyRequest struct {
	InputIDs      []int64
	DraftTokens   []int64
	Temperature   float64
	TopN          int
	PromptText    string
	GeneratedText string
}

// VerifyResponse carries one distribution per verified position, including
// the bonus position (K+1 total for K drafted tokens), plus the call's
// measured latency (spec §4.3's VerificationResult.latency_ms).
type VerifyResponse struct {
	Positions [][]sampler.Candidate
	LatencyMs float64
}

// Model is the external collaborator the Speculator verifies drafts
// against (spec §4.2, §6).
type Model interface {
	Verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error)
}

// TransientRemoteError marks a remote failure the caller may retry
// (5xx, timeout, connection reset) — spec §7.
type TransientRemoteError struct{ Err error }

func (e *TransientRemoteError) Error() string { return fmt.Sprintf("transient remote error: %v", e.Err) }
func (e *TransientRemoteError) Unwrap() error { return e.Err }

// InvalidRemoteError marks a remote response that is well-formed HTTP but
// semantically unusable (malformed JSON, missing logprobs) — spec §7.
type InvalidRemoteError struct{ Err error }

func (e *InvalidRemoteError) Error() string { return fmt.Sprintf("invalid remote response: %v", e.Err) }
func (e *InvalidRemoteError) Unwrap() error { return e.Err }

// PromptFormatter renders a target model family's own chat/completion
// wire format around an input id sequence and the draft continuation to
// verify. Different families tag roles differently (spec §9's harmony
// role-tag note for one family in particular).
type PromptFormatter interface {
	FormatVerifyBody(req VerifyRequest) ([]byte, error)
	ParseVerifyResponse(body []byte) (VerifyResponse, error)
}

// HTTPClient is the TargetModel implementation used in production: one
// PromptFormatter per model family, a single retry with fixed backoff on
// transient failures, and structured logging of each attempt.
type HTTPClient struct {
	endpoint  string
	apiKey    string
	client    *http.Client
	formatter PromptFormatter
	log       *zap.Logger
}

// NewHTTPClient builds a target-model client against endpoint using
// formatter to speak that family's wire format. apiKey, if non-empty, is
// sent as a bearer token on every request (spec §6.3's target_api_key).
func NewHTTPClient(endpoint, apiKey string, formatter PromptFormatter, log *zap.Logger) *HTTPClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPClient{
		endpoint:  endpoint,
		apiKey:    apiKey,
		client:    &http.Client{Timeout: 30 * time.Second},
		formatter: formatter,
		log:       log,
	}
}

func (c *HTTPClient) Verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error) {
	if req.Temperature <= 0 {
		req.Temperature = minTemperature
	}

	// start spans every attempt (plus backoff) so a retried call's
	// latency_ms reflects both attempts, not just the one that succeeded
	// (spec §4.3, S6's "one extra verify_time_ms reflecting both attempts").
	start := time.Now()

	resp, err := c.attempt(ctx, req)
	if err == nil {
		resp.LatencyMs = float64(time.Since(start).Milliseconds())
		return resp, nil
	}

	var transient *TransientRemoteError
	if !errorsAs(err, &transient) {
		return VerifyResponse{}, err
	}

	c.log.Warn("target verify transient failure, retrying once",
		zap.Error(err), zap.Duration("backoff", retryBackoff))

	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return VerifyResponse{}, ctx.Err()
	}

	resp, err = c.attempt(ctx, req)
	if err != nil {
		return VerifyResponse{}, err
	}
	resp.LatencyMs = float64(time.Since(start).Milliseconds())
	return resp, nil
}

func (c *HTTPClient) attempt(ctx context.Context, req VerifyRequest) (VerifyResponse, error) {
	body, err := c.formatter.FormatVerifyBody(req)
	if err != nil {
		return VerifyResponse{}, &InvalidRemoteError{Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return VerifyResponse{}, fmt.Errorf("targetmodel: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	httpResp, err := c.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return VerifyResponse{}, &TransientRemoteError{Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return VerifyResponse{}, &TransientRemoteError{Err: err}
	}

	c.log.Debug("target verify attempt",
		zap.Int("status", httpResp.StatusCode), zap.Duration("latency", latency))

	if httpResp.StatusCode >= 500 {
		return VerifyResponse{}, &TransientRemoteError{Err: fmt.Errorf("status %d: %s", httpResp.StatusCode, string(respBody))}
	}
	if httpResp.StatusCode >= 400 {
		return VerifyResponse{}, &InvalidRemoteError{Err: fmt.Errorf("status %d: %s", httpResp.StatusCode, string(respBody))}
	}

	parsed, err := c.formatter.ParseVerifyResponse(respBody)
	if err != nil {
		return VerifyResponse{}, &InvalidRemoteError{Err: err}
	}
	return parsed, nil
}

func errorsAs(err error, target **TransientRemoteError) bool {
	for err != nil {
		if t, ok := err.(*TransientRemoteError); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// genericCompletionPosition mirrors the JSON shape most completions-style
// endpoints return for one logprob position.
type genericCompletionPosition struct {
	Tokens    []string  `json:"tokens"`
	TokenIDs  []int64   `json:"token_ids"`
	Logprobs  []float64 `json:"logprobs"`
}

type genericCompletionResponse struct {
	Positions []genericCompletionPosition `json:"positions"`
}

// GenericFormatter speaks a plain JSON completions-style request/response
// with no chat-role tagging, the shape most local/self-hosted target
// servers use.
type GenericFormatter struct{}

func (GenericFormatter) FormatVerifyBody(req VerifyRequest) ([]byte, error) {
	payload := map[string]any{
		"input_ids":    req.InputIDs,
		"draft_tokens": req.DraftTokens,
		"temperature":  req.Temperature,
		"top_logprobs": req.TopN,
	}
	return json.Marshal(payload)
}

func (GenericFormatter) ParseVerifyResponse(body []byte) (VerifyResponse, error) {
	var parsed genericCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return VerifyResponse{}, fmt.Errorf("unmarshal verify response: %w", err)
	}
	out := VerifyResponse{Positions: make([][]sampler.Candidate, len(parsed.Positions))}
	for i, pos := range parsed.Positions {
		n := len(pos.TokenIDs)
		cands := make([]sampler.Candidate, n)
		for j := 0; j < n; j++ {
			tok := ""
			if j < len(pos.Tokens) {
				tok = pos.Tokens[j]
			}
			lp := 0.0
			if j < len(pos.Logprobs) {
				lp = pos.Logprobs[j]
			}
			cands[j] = sampler.Candidate{TokenID: pos.TokenIDs[j], Token: tok, Logprob: lp}
		}
		out.Positions[i] = cands
	}
	return out, nil
}

// harmonyRoleTag finds `<|role|>`-style tags; HarmonyFormatter uses it to
// scrub any pre-existing markers from raw text before re-tagging it into
// turns (spec §9 tokenizer-drift note calls out model-family-specific chat
// templates).
var harmonyRoleTag = regexp2.MustCompile(`<\|(\w+)\|>`, regexp2.None)

// HarmonyFormatter speaks a chat-tagged wire format for target families
// that expect Harmony-style role markers in the prompt rather than a
// structured messages array.
type HarmonyFormatter struct {
	Model string
}

// FormatVerifyBody renders the transcript this family's tokenizer expects:
// a user turn (the prompt) followed by an assistant turn (what's been
// generated so far), tagged with Harmony's `<|role|>` markers. Any markers
// already present in the raw text are stripped first, so a prompt that
// happens to contain literal "<|assistant|>" text can't forge a role
// boundary once re-tagged (spec §9's tokenizer-drift note).
func (f HarmonyFormatter) FormatVerifyBody(req VerifyRequest) ([]byte, error) {
	userTurn, err := stripRoleTags(req.PromptText)
	if err != nil {
		return nil, fmt.Errorf("harmony: strip role tags from prompt: %w", err)
	}
	assistantTurn, err := stripRoleTags(req.GeneratedText)
	if err != nil {
		return nil, fmt.Errorf("harmony: strip role tags from generated text: %w", err)
	}

	payload := map[string]any{
		"model":            f.Model,
		"input_ids":        req.InputIDs,
		"draft_tokens":     req.DraftTokens,
		"temperature":      req.Temperature,
		"top_logprobs":     req.TopN,
		"formatted_prompt": fmt.Sprintf("<|user|>%s<|assistant|>%s", userTurn, assistantTurn),
	}
	return json.Marshal(payload)
}

func (f HarmonyFormatter) ParseVerifyResponse(body []byte) (VerifyResponse, error) {
	// The response schema is identical to the generic one; only the
	// request side needs role tagging.
	return GenericFormatter{}.ParseVerifyResponse(body)
}

// stripRoleTags removes Harmony-style `<|role|>` markers from s, used by
// HarmonyFormatter to scrub the prompt and generated text before tagging them.
func stripRoleTags(s string) (string, error) {
	return harmonyRoleTag.Replace(s, "", -1, -1)
}
