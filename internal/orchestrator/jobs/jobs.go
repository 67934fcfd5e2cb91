// Package jobs holds the built-in job definitions the daemon registers
// at startup. Both run agent turns through the runtime profile adapter
// and keep the session store up to date.
package jobs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pilotd/pilotd/internal/orchestrator/registry"
	"github.com/pilotd/pilotd/internal/profile"
	"github.com/pilotd/pilotd/internal/store"
)

// Job type names
const (
	TypeSuggestTitles       = "session.suggest_titles"
	TypeSummarizeTranscript = "session.summarize_transcript"
)

var sessionPayloadSchema = []byte(`{
	"type": "object",
	"required": ["session_id"],
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"max_titles": {"type": "integer", "minimum": 1, "maximum": 10}
	}
}`)

var suggestResultSchema = []byte(`{
	"type": "object",
	"required": ["titles"],
	"properties": {
		"titles": {"type": "array", "items": {"type": "string"}}
	}
}`)

var summarizeResultSchema = []byte(`{
	"type": "object",
	"required": ["summary", "entry_count"],
	"properties": {
		"summary": {"type": "string"},
		"entry_count": {"type": "integer"}
	}
}`)

// RegisterAll installs the built-in definitions into the registry
func RegisterAll(reg *registry.Registry, adapter profile.Adapter, st *store.Store) error {
	if err := reg.Register(SuggestTitles(adapter, st)); err != nil {
		return err
	}
	return reg.Register(SummarizeTranscript(adapter, st))
}

// SuggestTitles builds the interactive title suggestion definition.
// Duplicate requests for the same session collapse onto the in-flight
// job; the run drives an agent turn, so cancellation interrupts it.
func SuggestTitles(adapter profile.Adapter, st *store.Store) *registry.Definition {
	return &registry.Definition{
		Type:           TypeSuggestTitles,
		PayloadSchema:  sessionPayloadSchema,
		ResultSchema:   suggestResultSchema,
		Dedupe:         registry.DedupeSingleFlight,
		CancelStrategy: registry.CancelInterruptTurn,
		Timeout:        45 * time.Second,
		DedupeKey: func(payload map[string]interface{}) string {
			sessionID, _ := payload["session_id"].(string)
			return "suggest:" + sessionID
		},
		Run: func(rc registry.RunContext, payload map[string]interface{}) (map[string]interface{}, error) {
			ctx := rc.Context()
			sessionID, _ := payload["session_id"].(string)
			maxTitles := 3
			if n, ok := payload["max_titles"].(float64); ok {
				maxTitles = int(n)
			}

			turn, err := adapter.StartTurn(ctx, &profile.StartTurnRequest{
				ThreadID: sessionID,
				Prompt:   "Suggest short titles for this session.",
			})
			if err != nil {
				return nil, fmt.Errorf("failed to start suggestion turn: %w", err)
			}
			rc.SetRunningContext(turn.ThreadID, turn.TurnID)
			rc.EmitProgress(map[string]interface{}{"stage": "turn_started", "turn_id": turn.TurnID})

			entries, err := st.ListTranscript(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			titles := titlesFromTranscript(entries, maxTitles)

			if len(titles) > 0 {
				if err := st.UpdateSessionTitle(ctx, sessionID, titles[0]); err != nil && !errors.Is(err, store.ErrNotFound) {
					return nil, err
				}
			}

			out := make([]interface{}, 0, len(titles))
			for _, title := range titles {
				out = append(out, title)
			}
			return map[string]interface{}{"titles": out}, nil
		},
	}
}

// SummarizeTranscript builds the background summarization definition.
// A duplicate while one is queued is dropped; the queued run will read
// the latest transcript anyway.
func SummarizeTranscript(adapter profile.Adapter, st *store.Store) *registry.Definition {
	return &registry.Definition{
		Type:           TypeSummarizeTranscript,
		PayloadSchema:  sessionPayloadSchema,
		ResultSchema:   summarizeResultSchema,
		Dedupe:         registry.DedupeDropDuplicate,
		CancelStrategy: registry.CancelInterruptTurn,
		Timeout:        2 * time.Minute,
		DedupeKey: func(payload map[string]interface{}) string {
			sessionID, _ := payload["session_id"].(string)
			return "summarize:" + sessionID
		},
		Run: func(rc registry.RunContext, payload map[string]interface{}) (map[string]interface{}, error) {
			ctx := rc.Context()
			sessionID, _ := payload["session_id"].(string)

			turn, err := adapter.StartTurn(ctx, &profile.StartTurnRequest{
				ThreadID: sessionID,
				Prompt:   "Summarize this session's transcript.",
			})
			if err != nil {
				return nil, fmt.Errorf("failed to start summarization turn: %w", err)
			}
			rc.SetRunningContext(turn.ThreadID, turn.TurnID)

			entries, err := st.ListTranscript(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			rc.EmitProgress(map[string]interface{}{"stage": "transcript_loaded", "entries": len(entries)})

			summary := summarizeEntries(entries)
			if summary != "" {
				if err := st.UpdateSessionSummary(ctx, sessionID, summary); err != nil && !errors.Is(err, store.ErrNotFound) {
					return nil, err
				}
			}

			return map[string]interface{}{
				"summary":     summary,
				"entry_count": len(entries),
			}, nil
		},
	}
}

// titlesFromTranscript derives candidate titles from the most frequent
// leading words of the transcript. A stand-in for the agent's answer
// when the runtime returns no structured result.
func titlesFromTranscript(entries []*store.TranscriptEntry, max int) []string {
	counts := make(map[string]int)
	for _, entry := range entries {
		text, _ := entry.Entry["text"].(string)
		line := firstLine(text)
		if line == "" {
			continue
		}
		counts[line]++
	}

	candidates := make([]string, 0, len(counts))
	for line := range counts {
		candidates = append(candidates, line)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if counts[candidates[i]] != counts[candidates[j]] {
			return counts[candidates[i]] > counts[candidates[j]]
		}
		return candidates[i] < candidates[j]
	})

	if len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates
}

func summarizeEntries(entries []*store.TranscriptEntry) string {
	var lines []string
	for _, entry := range entries {
		text, _ := entry.Entry["text"].(string)
		if line := firstLine(text); line != "" {
			lines = append(lines, line)
		}
		if len(lines) == 5 {
			break
		}
	}
	return strings.Join(lines, "; ")
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	const maxLen = 60
	if len(text) > maxLen {
		text = text[:maxLen]
	}
	return strings.TrimSpace(text)
}
