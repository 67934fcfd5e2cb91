package jobs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotd/pilotd/internal/orchestrator/registry"
	"github.com/pilotd/pilotd/internal/profile"
	"github.com/pilotd/pilotd/internal/store"
)

type fakeRunContext struct {
	ctx      context.Context
	threadID string
	turnID   string
	progress []map[string]interface{}
}

func (f *fakeRunContext) Context() context.Context { return f.ctx }
func (f *fakeRunContext) SetRunningContext(threadID, turnID string) {
	f.threadID, f.turnID = threadID, turnID
}
func (f *fakeRunContext) EmitProgress(data map[string]interface{}) {
	f.progress = append(f.progress, data)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pilotd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSession(t *testing.T, st *store.Store, sessionID string, texts ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertSession(ctx, &store.Session{ID: sessionID, ProjectID: "p-1"}))
	for i, text := range texts {
		require.NoError(t, st.UpsertTranscriptEntry(ctx, &store.TranscriptEntry{
			ID:        sessionID + "-e-" + string(rune('a'+i)),
			SessionID: sessionID,
			TurnID:    "t-1",
			Entry:     map[string]interface{}{"text": text},
		}))
	}
}

func TestRegisterAll(t *testing.T) {
	reg := registry.NewRegistry()
	require.NoError(t, RegisterAll(reg, profile.NewFixture(), newTestStore(t)))
	assert.True(t, reg.Has(TypeSuggestTitles))
	assert.True(t, reg.Has(TypeSummarizeTranscript))

	def, err := reg.Get(TypeSuggestTitles)
	require.NoError(t, err)
	assert.Equal(t, registry.DedupeSingleFlight, def.Dedupe)
	assert.Equal(t, registry.CancelInterruptTurn, def.CancelStrategy)
	assert.Equal(t, "suggest:s-1", def.DedupeKey(map[string]interface{}{"session_id": "s-1"}))

	assert.Error(t, def.ValidatePayload(map[string]interface{}{}))
	assert.NoError(t, def.ValidatePayload(map[string]interface{}{"session_id": "s-1"}))
}

func TestSuggestTitlesRun(t *testing.T) {
	st := newTestStore(t)
	fixture := profile.NewFixture()
	seedSession(t, st, "s-1",
		"Fix login redirect\ndetails follow",
		"Fix login redirect",
		"Unrelated question about tests",
	)

	def := SuggestTitles(fixture, st)
	rc := &fakeRunContext{ctx: context.Background()}

	result, err := def.Run(rc, map[string]interface{}{"session_id": "s-1", "max_titles": float64(2)})
	require.NoError(t, err)
	require.NoError(t, def.ValidateResult(result))

	titles := result["titles"].([]interface{})
	require.Len(t, titles, 2)
	assert.Equal(t, "Fix login redirect", titles[0])

	// Running context recorded so interrupt_turn can reach the turn
	assert.Equal(t, "s-1", rc.threadID)
	assert.Equal(t, "turn-fixture", rc.turnID)
	require.NotEmpty(t, rc.progress)
	assert.Equal(t, "turn_started", rc.progress[0]["stage"])

	// Session title updated to the top suggestion
	session, err := st.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, "Fix login redirect", session.Title)
}

func TestSuggestTitlesUnknownSessionStillSucceeds(t *testing.T) {
	st := newTestStore(t)
	def := SuggestTitles(profile.NewFixture(), st)
	rc := &fakeRunContext{ctx: context.Background()}

	result, err := def.Run(rc, map[string]interface{}{"session_id": "no-such-session"})
	require.NoError(t, err)
	assert.Empty(t, result["titles"])
}

func TestSummarizeTranscriptRun(t *testing.T) {
	st := newTestStore(t)
	seedSession(t, st, "s-1", "First message", "Second message")

	def := SummarizeTranscript(profile.NewFixture(), st)
	rc := &fakeRunContext{ctx: context.Background()}

	result, err := def.Run(rc, map[string]interface{}{"session_id": "s-1"})
	require.NoError(t, err)
	require.NoError(t, def.ValidateResult(result))
	assert.Equal(t, "First message; Second message", result["summary"])
	assert.Equal(t, 2, result["entry_count"])

	session, err := st.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, "First message; Second message", session.Summary)
}

func TestRunFailsWhenTurnCannotStart(t *testing.T) {
	st := newTestStore(t)
	fixture := profile.NewFixture()
	fixture.Err = assert.AnError

	def := SuggestTitles(fixture, st)
	rc := &fakeRunContext{ctx: context.Background()}

	_, err := def.Run(rc, map[string]interface{}{"session_id": "s-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}
