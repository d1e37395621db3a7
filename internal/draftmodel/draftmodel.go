// Package draftmodel defines the DraftModel collaborator interface and a
// local, in-process adapter that produces log-softmax-normalized tokens
// from raw logit buffers, carrying the KV cache across rounds behind a
// single-holder lock.
package draftmodel

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/specdecode/orchestrator/internal/numerics"
	"github.com/specdecode/orchestrator/internal/sampler"
)

// Token is one drafted position: a token id/text plus its log-softmax
// normalized probability, entropy, and top alternatives for visualization.
type Token struct {
	TokenID     int64
	Token       string
	Logprob     float64
	Entropy     float64
	TopTokens   []sampler.Candidate
	DraftTimeMs float64
}

// Model is the external collaborator that proposes K draft tokens per
// round and can decode a full id sequence back to text (spec §4.2, §6).
// Implementations must hold any KV cache or other mutable state privately;
// the orchestrator serializes calls through a single-holder lock.
type Model interface {
	// Draft proposes up to k tokens continuing inputIDs at the given
	// temperature. It returns fewer than k tokens only on EOS.
	Draft(ctx context.Context, inputIDs []int64, k int, temperature float64) ([]Token, error)

	// Decode turns a full token id sequence into text. Must be called on
	// the complete sequence every time (spec §9's tokenizer-drift note) —
	// callers must never concatenate previously decoded fragments.
	Decode(ctx context.Context, ids []int64) (string, error)

	// TokenizerPrompt renders a prompt string into the model's own input
	// token ids, the seed for the first round's inputIDs.
	TokenizerPrompt(ctx context.Context, prompt string) ([]int64, error)
}

// LogitDType names the raw buffer encoding a Runtime hands back, so the
// adapter knows how to widen it to float64 before log-softmax.
type LogitDType int

const (
	DTypeFloat32 LogitDType = iota
	DTypeFloat16
	DTypeBFloat16
)

// VocabEntry pairs a raw logit with the token id/text it scores.
type VocabEntry struct {
	TokenID int64
	Token   string
}

// Runtime is the narrow boundary to the actual local tensor/inference
// engine (llama.cpp-style runtime, quantized weights, KV cache); it is
// intentionally out of this component's scope (spec §1) — LocalAdapter
// only normalizes and samples whatever logits Runtime returns.
type Runtime interface {
	// NextLogits returns raw logits over Vocab for the next position,
	// given the full input id sequence so far. dtype tells the adapter
	// how to interpret raw.
	NextLogits(ctx context.Context, inputIDs []int64) (raw []byte, dtype LogitDType, err error)
	Vocab() []VocabEntry
	Decode(ctx context.Context, ids []int64) (string, error)
	TokenizerPrompt(ctx context.Context, prompt string) ([]int64, error)
	EOSTokenID() int64
}

// topN bounds the number of alternatives surfaced per drafted position.
const topN = 5

// LocalAdapter wraps a Runtime and serializes access to it with a
// single-holder lock, matching the teacher's per-resource stepMu idiom:
// the KV cache a Runtime carries is mutable shared state and must never
// be driven by two goroutines concurrently.
type LocalAdapter struct {
	mu      sync.Mutex
	runtime Runtime
	rng     distuv.Uniform
}

// NewLocalAdapter wraps rt for use as a Model.
func NewLocalAdapter(rt Runtime) *LocalAdapter {
	src := rand.NewSource(time.Now().UnixNano())
	return &LocalAdapter{runtime: rt, rng: distuv.Uniform{Min: 0, Max: 1, Src: src}}
}

// NewLocalAdapterWithSource wraps rt using a caller-supplied random source,
// for deterministic tests of the temperature-sampling path (spec §8
// round-trip property).
func NewLocalAdapterWithSource(rt Runtime, src rand.Source) *LocalAdapter {
	return &LocalAdapter{runtime: rt, rng: distuv.Uniform{Min: 0, Max: 1, Src: src}}
}

func (a *LocalAdapter) Draft(ctx context.Context, inputIDs []int64, k int, temperature float64) ([]Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	vocab := a.runtime.Vocab()
	eos := a.runtime.EOSTokenID()
	ids := append([]int64(nil), inputIDs...)

	tokens := make([]Token, 0, k)
	for i := 0; i < k; i++ {
		if err := ctx.Err(); err != nil {
			return tokens, err
		}

		raw, dtype, err := a.runtime.NextLogits(ctx, ids)
		if err != nil {
			return tokens, fmt.Errorf("draftmodel: next logits at position %d: %w", i, err)
		}
		logits, err := widenLogits(raw, dtype, len(vocab))
		if err != nil {
			return tokens, fmt.Errorf("draftmodel: decode logit buffer: %w", err)
		}
		if temperature > 0 {
			for j := range logits {
				logits[j] /= temperature
			}
		}

		logprobs := numerics.LogSoftmax(logits)

		// T=0 is argmax; T>0 samples from the temperature-scaled
		// distribution just normalized above (spec §4.2) — the reported
		// logprob_sampled is always this distribution's value at whichever
		// token was actually drawn, never the argmax's.
		var chosen int
		if temperature <= 0 {
			chosen = argmax(logprobs)
		} else {
			chosen = a.sample(logprobs)
		}

		tok := Token{
			TokenID:   vocab[chosen].TokenID,
			Token:     vocab[chosen].Token,
			Logprob:   logprobs[chosen],
			Entropy:   numerics.EntropyNats(logprobs),
			TopTokens: topAlternatives(vocab, logprobs, topN),
		}
		tokens = append(tokens, tok)
		ids = append(ids, tok.TokenID)

		if tok.TokenID == eos {
			break
		}
	}
	return tokens, nil
}

func (a *LocalAdapter) Decode(ctx context.Context, ids []int64) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runtime.Decode(ctx, ids)
}

func (a *LocalAdapter) TokenizerPrompt(ctx context.Context, prompt string) ([]int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runtime.TokenizerPrompt(ctx, prompt)
}

// sample draws one index from the categorical distribution given by
// logprobs, by walking its cumulative mass — the same cumulative-draw shape
// internal/sampler uses for the residual distribution.
func (a *LocalAdapter) sample(logprobs []float64) int {
	u := a.rng.Rand()
	cursor := 0.0
	for i, lp := range logprobs {
		cursor += math.Exp(lp)
		if u <= cursor {
			return i
		}
	}
	return len(logprobs) - 1
}

func argmax(xs []float64) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

func topAlternatives(vocab []VocabEntry, logprobs []float64, n int) []sampler.Candidate {
	idx := make([]int, len(logprobs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return logprobs[idx[i]] > logprobs[idx[j]] })
	if n > len(idx) {
		n = len(idx)
	}
	out := make([]sampler.Candidate, n)
	for i := 0; i < n; i++ {
		v := idx[i]
		out[i] = sampler.Candidate{TokenID: vocab[v].TokenID, Token: vocab[v].Token, Logprob: logprobs[v]}
	}
	return out
}

// widenLogits converts a raw logit buffer of the given dtype into float64,
// one value per vocabulary entry.
func widenLogits(raw []byte, dtype LogitDType, vocabSize int) ([]float64, error) {
	switch dtype {
	case DTypeFloat32:
		if len(raw) != vocabSize*4 {
			return nil, fmt.Errorf("expected %d bytes for float32 vocab of %d, got %d", vocabSize*4, vocabSize, len(raw))
		}
		out := make([]float64, vocabSize)
		for i := 0; i < vocabSize; i++ {
			bits := binary.LittleEndian.Uint32(raw[4*i : 4*i+4])
			out[i] = float64(math.Float32frombits(bits))
		}
		return out, nil
	case DTypeFloat16:
		if len(raw) != vocabSize*2 {
			return nil, fmt.Errorf("expected %d bytes for float16 vocab of %d, got %d", vocabSize*2, vocabSize, len(raw))
		}
		out := make([]float64, vocabSize)
		for i := 0; i < vocabSize; i++ {
			bits := uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
			out[i] = float64(float16.Frombits(bits).Float32())
		}
		return out, nil
	case DTypeBFloat16:
		f32s := bfloat16.DecodeFloat32(raw)
		if len(f32s) != vocabSize {
			return nil, fmt.Errorf("expected %d bfloat16 values, got %d", vocabSize, len(f32s))
		}
		out := make([]float64, vocabSize)
		for i, v := range f32s {
			out[i] = float64(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown logit dtype %d", dtype)
	}
}
