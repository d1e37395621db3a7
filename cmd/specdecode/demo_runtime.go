package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/specdecode/orchestrator/internal/draftmodel"
)

// demoRuntime is a deterministic, weight-free stand-in for the real local
// tensor runtime (llama.cpp-style engine, quantized weights, a genuine KV
// cache) that spec §1 places outside this component's boundary. It mirrors
// the teacher's MockInferenceEngine (core/inference/echobeats_engine.go):
// a fixed small vocabulary and a trivial scoring rule, just enough to make
// `specdecode run`/`serve` exercisable end to end without a real model
// attached. It is not a production draft model.
type demoRuntime struct {
	vocab []draftmodel.VocabEntry
	eos   int64
}

func newDemoRuntime() *demoRuntime {
	words := []string{"the", "a", "model", "drafts", "tokens", "quickly", "and", "the", "target", "verifies", "them"}
	vocab := make([]draftmodel.VocabEntry, 0, len(words)+1)
	seen := map[string]bool{}
	id := int64(1)
	for _, w := range words {
		if seen[w] {
			continue
		}
		seen[w] = true
		vocab = append(vocab, draftmodel.VocabEntry{TokenID: id, Token: " " + w})
		id++
	}
	eosID := id
	vocab = append(vocab, draftmodel.VocabEntry{TokenID: eosID, Token: "<eos>"})
	return &demoRuntime{vocab: vocab, eos: eosID}
}

func (d *demoRuntime) Vocab() []draftmodel.VocabEntry { return d.vocab }
func (d *demoRuntime) EOSTokenID() int64              { return d.eos }

// NextLogits scores the vocabulary by a position-dependent rotation so
// successive calls favor different tokens, producing varied (if
// meaningless) demo output instead of the same token forever.
func (d *demoRuntime) NextLogits(ctx context.Context, inputIDs []int64) ([]byte, draftmodel.LogitDType, error) {
	n := len(d.vocab)
	favored := len(inputIDs) % n
	logits := make([]float32, n)
	for i := range logits {
		logits[i] = 0.1
	}
	logits[favored] = 4.0

	raw := make([]byte, 4*n)
	for i, l := range logits {
		binary.LittleEndian.PutUint32(raw[4*i:4*i+4], math.Float32bits(l))
	}
	return raw, draftmodel.DTypeFloat32, nil
}

func (d *demoRuntime) Decode(ctx context.Context, ids []int64) (string, error) {
	byID := make(map[int64]string, len(d.vocab))
	for _, v := range d.vocab {
		byID[v.TokenID] = v.Token
	}
	var b strings.Builder
	for _, id := range ids {
		if tok, ok := byID[id]; ok && id != d.eos {
			b.WriteString(tok)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func (d *demoRuntime) TokenizerPrompt(ctx context.Context, prompt string) ([]int64, error) {
	if prompt == "" {
		return nil, fmt.Errorf("demoRuntime: empty prompt")
	}
	// One synthetic id per word, just enough context for NextLogits' rotation
	// to vary by position.
	words := strings.Fields(prompt)
	ids := make([]int64, len(words))
	for i := range words {
		ids[i] = int64(1 + i%len(d.vocab))
	}
	return ids, nil
}
