package profile

import (
	"context"
	"fmt"
	"sync"

	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// Fixture is an in-memory Adapter for tests and local development.
// Every call is recorded; outcomes can be scripted per action.
type Fixture struct {
	mu sync.Mutex

	Approvals map[string]*Approval
	Threads   map[string]*Thread

	TranscriptOutcome *Outcome
	ApprovalOutcome   *Outcome
	SteerOutcome      *Outcome
	Err               error

	TranscriptCalls []*TranscriptUpsert
	ApprovalCalls   []*ApprovalDecision
	SteerCalls      []*TurnSteer
	InterruptCalls  [][2]string
}

var _ Adapter = (*Fixture)(nil)

// NewFixture creates an empty fixture with performed outcomes
func NewFixture() *Fixture {
	performed := &Outcome{Status: v1.ActionStatusPerformed}
	return &Fixture{
		Approvals:         make(map[string]*Approval),
		Threads:           make(map[string]*Thread),
		TranscriptOutcome: performed,
		ApprovalOutcome:   performed,
		SteerOutcome:      performed,
	}
}

func (f *Fixture) Identity(ctx context.Context) (*Identity, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return &Identity{Name: "fixture", Version: "1.0.0"}, nil
}

func (f *Fixture) StartTurn(ctx context.Context, req *StartTurnRequest) (*Turn, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return &Turn{ThreadID: req.ThreadID, TurnID: "turn-fixture", Status: "running"}, nil
}

func (f *Fixture) ReadThread(ctx context.Context, threadID string) (*Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	thread, ok := f.Threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread not found: %s", threadID)
	}
	return thread, nil
}

func (f *Fixture) ReadApproval(ctx context.Context, approvalID string) (*Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	approval, ok := f.Approvals[approvalID]
	if !ok {
		return nil, fmt.Errorf("approval not found: %s", approvalID)
	}
	return approval, nil
}

func (f *Fixture) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InterruptCalls = append(f.InterruptCalls, [2]string{threadID, turnID})
	return f.Err
}

func (f *Fixture) UpsertTranscript(ctx context.Context, req *TranscriptUpsert) (*Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TranscriptCalls = append(f.TranscriptCalls, req)
	if f.Err != nil {
		return nil, f.Err
	}
	return f.TranscriptOutcome, nil
}

func (f *Fixture) DecideApproval(ctx context.Context, req *ApprovalDecision) (*Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ApprovalCalls = append(f.ApprovalCalls, req)
	if f.Err != nil {
		return nil, f.Err
	}
	return f.ApprovalOutcome, nil
}

func (f *Fixture) SteerTurn(ctx context.Context, req *TurnSteer) (*Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SteerCalls = append(f.SteerCalls, req)
	if f.Err != nil {
		return nil, f.Err
	}
	return f.SteerOutcome, nil
}
