// Package genstate owns the mutable context state for a single speculative
// decoding generation.
package genstate

import "fmt"

// Decoder turns a committed id sequence back into text. A single decode call
// over the full sequence is the only way generated text is ever produced —
// concatenating per-token strings would drift as tokenizers are not
// string-homomorphic.
type Decoder interface {
	Decode(ids []int64) (string, error)
}

// State is the per-generation context owned exclusively by the Speculator.
// It is created at generation start, mutated only on round completion, and
// discarded at Done/Error.
type State struct {
	PromptText        string
	ContextTokenIDs   []int64
	GeneratedTokenIDs []int64
	GeneratedText     string
	CurrentRound      int
	TotalCommitted    int

	decoder Decoder
}

// New creates a ContextState for a prompt already tokenized by the draft
// model's tokenizer (chat template applied).
func New(promptText string, contextTokenIDs []int64, decoder Decoder) *State {
	return &State{
		PromptText:      promptText,
		ContextTokenIDs: append([]int64(nil), contextTokenIDs...),
		decoder:         decoder,
	}
}

// InputIDs returns context ids followed by generated ids so far — the input
// to the next draft or verify call.
func (s *State) InputIDs() []int64 {
	out := make([]int64, 0, len(s.ContextTokenIDs)+len(s.GeneratedTokenIDs))
	out = append(out, s.ContextTokenIDs...)
	out = append(out, s.GeneratedTokenIDs...)
	return out
}

// Commit appends produced token ids, recomputes GeneratedText from the full
// id sequence, and updates TotalCommitted; the round counter is left to
// AdvanceRound. It is the only mutator of
// GeneratedTokenIDs/GeneratedText — callers must not append directly.
func (s *State) Commit(ids ...int64) error {
	s.GeneratedTokenIDs = append(s.GeneratedTokenIDs, ids...)
	text, err := s.decoder.Decode(s.GeneratedTokenIDs)
	if err != nil {
		return fmt.Errorf("decode committed tokens: %w", err)
	}
	s.GeneratedText = text
	s.TotalCommitted = len(s.GeneratedTokenIDs)
	return nil
}

// AdvanceRound increments the monotone round counter, regardless of how many
// tokens the round commits. The Speculator calls it as each round begins, so
// CurrentRound is the 1-based number of the round in progress.
func (s *State) AdvanceRound() {
	s.CurrentRound++
}

// ContainsEOS reports whether any of the given ids were just committed and
// are present in the configured EOS set.
func ContainsEOS(ids []int64, eos map[int64]struct{}) bool {
	for _, id := range ids {
		if _, ok := eos[id]; ok {
			return true
		}
	}
	return false
}
