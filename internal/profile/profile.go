// Package profile defines the narrow interface to the downstream
// coding-assistant runtime and its wire-level client.
package profile

import (
	"context"

	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// Identity describes the connected runtime profile
type Identity struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Turn is a single agent turn within a thread
type Turn struct {
	ThreadID string `json:"thread_id"`
	TurnID   string `json:"turn_id"`
	Status   string `json:"status"`
}

// Thread is the conversational container the runtime exposes
type Thread struct {
	ID        string                   `json:"id"`
	SessionID string                   `json:"session_id,omitempty"`
	Items     []map[string]interface{} `json:"items,omitempty"`
}

// Approval is a pending or resolved approval record
type Approval struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	TurnID   string `json:"turn_id"`
	Resolved bool   `json:"resolved"`
}

// StartTurnRequest opens a new turn on a thread
type StartTurnRequest struct {
	ThreadID string                 `json:"thread_id"`
	Prompt   string                 `json:"prompt"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// TranscriptUpsert writes a supplemental transcript entry
type TranscriptUpsert struct {
	SessionID string                 `json:"session_id"`
	TurnID    string                 `json:"turn_id"`
	Entry     map[string]interface{} `json:"entry"`
}

// ApprovalDecision resolves a pending approval
type ApprovalDecision struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"`
}

// TurnSteer injects steering input into an active turn
type TurnSteer struct {
	SessionID   string `json:"session_id"`
	TurnID      string `json:"turn_id"`
	Instruction string `json:"instruction"`
}

// Outcome is the typed result of a side-effecting adapter call
type Outcome struct {
	Status  v1.ActionStatus        `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Adapter is the runtime profile surface the core consumes. The fixture
// implementation backs tests; the HTTP client backs production.
type Adapter interface {
	Identity(ctx context.Context) (*Identity, error)
	StartTurn(ctx context.Context, req *StartTurnRequest) (*Turn, error)
	ReadThread(ctx context.Context, threadID string) (*Thread, error)
	ReadApproval(ctx context.Context, approvalID string) (*Approval, error)
	InterruptTurn(ctx context.Context, threadID, turnID string) error
	UpsertTranscript(ctx context.Context, req *TranscriptUpsert) (*Outcome, error)
	DecideApproval(ctx context.Context, req *ApprovalDecision) (*Outcome, error)
	SteerTurn(ctx context.Context, req *TurnSteer) (*Outcome, error)
}
