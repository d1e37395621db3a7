package httpapi

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/specdecode/orchestrator/internal/draftmodel"
	"github.com/specdecode/orchestrator/internal/sampler"
	"github.com/specdecode/orchestrator/internal/speculator"
	"github.com/specdecode/orchestrator/internal/targetmodel"
)

// fakeDraft proposes k tokens of fixed text/id, never hitting EOS.
type fakeDraft struct{ n int }

func (f *fakeDraft) TokenizerPrompt(ctx context.Context, prompt string) ([]int64, error) {
	return []int64{1, 2}, nil
}
func (f *fakeDraft) Decode(ctx context.Context, ids []int64) (string, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, " "), nil
}
func (f *fakeDraft) Draft(ctx context.Context, inputIDs []int64, k int, temperature float64) ([]draftmodel.Token, error) {
	out := make([]draftmodel.Token, 0, k)
	for i := 0; i < k; i++ {
		f.n++
		out = append(out, draftmodel.Token{TokenID: int64(200 + f.n), Token: fmt.Sprintf("t%d", f.n), Logprob: -0.05})
	}
	return out, nil
}

// fakeTarget agrees with every draft token, plus a bonus.
type fakeTarget struct{}

func (fakeTarget) Verify(ctx context.Context, req targetmodel.VerifyRequest) (targetmodel.VerifyResponse, error) {
	positions := make([][]sampler.Candidate, 0, len(req.DraftTokens)+1)
	for _, id := range req.DraftTokens {
		positions = append(positions, []sampler.Candidate{{TokenID: id, Token: "t", Logprob: -0.05}})
	}
	positions = append(positions, []sampler.Candidate{{TokenID: 999, Token: "bonus", Logprob: -0.1}})
	return targetmodel.VerifyResponse{Positions: positions}, nil
}

func TestGenerateEndpointStreamsEventsAndDone(t *testing.T) {
	spec := speculator.New(&fakeDraft{}, fakeTarget{}, speculator.EOSSet{}, 5, 0, nil)
	srv := NewServer(spec, Options{}, nil)

	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/generate"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"prompt": "hello", "k": 2, "temperature": 0.5, "max_tokens": 3,
	}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	sawDraftToken, sawDone := false, false
	for i := 0; i < 100; i++ {
		var env struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		switch env.Type {
		case "draft_token":
			sawDraftToken = true
		case "done":
			sawDone = true
		}
		if sawDone {
			break
		}
	}

	require.True(t, sawDraftToken, "expected at least one draft_token event")
	require.True(t, sawDone, "expected a terminal done event")
}

func TestHealthzReportsOK(t *testing.T) {
	spec := speculator.New(&fakeDraft{}, fakeTarget{}, speculator.EOSSet{}, 5, 0, nil)
	srv := NewServer(spec, Options{}, nil)

	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	resp, err := httpSrv.Client().Get(httpSrv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
}
