package main

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// mockRuntime holds the simulated assistant state. Threads and approvals
// are created on demand so the daemon can be pointed at it cold.
type mockRuntime struct {
	mu        sync.Mutex
	delay     time.Duration
	turnSeq   int
	turns     map[string]*turnState     // turnID → state
	threads   map[string][]string       // threadID → turn IDs
	approvals map[string]*approvalState // approvalID → state
	entries   []map[string]interface{}  // transcript upserts, in arrival order
}

type turnState struct {
	ThreadID string
	Status   string // running, completed, interrupted
}

type approvalState struct {
	ThreadID string
	TurnID   string
	Decision string
}

func newMockRuntime(delay time.Duration) *mockRuntime {
	return &mockRuntime{
		delay:     delay,
		turns:     make(map[string]*turnState),
		threads:   make(map[string][]string),
		approvals: make(map[string]*approvalState),
	}
}

func (m *mockRuntime) mount(r *gin.RouterGroup) {
	r.GET("/identity", m.identity)
	r.POST("/threads/:threadId/turns", m.startTurn)
	r.GET("/threads/:threadId", m.readThread)
	r.POST("/threads/:threadId/turns/:turnId/interrupt", m.interruptTurn)
	r.GET("/approvals/:approvalId", m.readApproval)
	r.POST("/approvals/:approvalId/decision", m.decideApproval)
	r.POST("/transcript/entries", m.upsertTranscript)
	r.POST("/turns/steer", m.steerTurn)
}

func (m *mockRuntime) identity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"name": "pilot", "version": "1.0.0"})
}

func (m *mockRuntime) startTurn(c *gin.Context) {
	threadID := c.Param("threadId")

	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	m.turnSeq++
	turnID := fmt.Sprintf("turn-%d", m.turnSeq)
	m.turns[turnID] = &turnState{ThreadID: threadID, Status: "running"}
	m.threads[threadID] = append(m.threads[threadID], turnID)
	m.mu.Unlock()

	c.JSON(http.StatusCreated, gin.H{
		"thread_id": threadID,
		"turn_id":   turnID,
		"status":    "running",
	})
}

func (m *mockRuntime) readThread(c *gin.Context) {
	threadID := c.Param("threadId")

	m.mu.Lock()
	turnIDs, ok := m.threads[threadID]
	items := make([]map[string]interface{}, 0, len(turnIDs))
	for _, id := range turnIDs {
		items = append(items, map[string]interface{}{
			"type":    "turn",
			"turn_id": id,
			"status":  m.turns[id].Status,
		})
	}
	m.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": threadID, "items": items})
}

func (m *mockRuntime) interruptTurn(c *gin.Context) {
	turnID := c.Param("turnId")

	m.mu.Lock()
	turn, ok := m.turns[turnID]
	if ok && turn.Status == "running" {
		turn.Status = "interrupted"
	}
	m.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "turn not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"turn_id": turnID, "status": "interrupted"})
}

func (m *mockRuntime) readApproval(c *gin.Context) {
	approvalID := c.Param("approvalId")

	m.mu.Lock()
	approval := m.approvalLocked(approvalID)
	resolved := approval.Decision != ""
	m.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"id":        approvalID,
		"thread_id": approval.ThreadID,
		"turn_id":   approval.TurnID,
		"resolved":  resolved,
	})
}

func (m *mockRuntime) decideApproval(c *gin.Context) {
	approvalID := c.Param("approvalId")

	var req struct {
		Decision string `json:"decision"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Decision == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "decision is required"})
		return
	}

	m.mu.Lock()
	approval := m.approvalLocked(approvalID)
	already := approval.Decision != ""
	if !already {
		approval.Decision = req.Decision
	}
	m.mu.Unlock()

	if already {
		c.JSON(http.StatusOK, gin.H{
			"status":  "already_resolved",
			"details": gin.H{"decision": approval.Decision},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "performed",
		"details": gin.H{"decision": req.Decision},
	})
}

// approvalLocked fabricates an approval on first sight so the daemon's
// approval-scope checks can run against arbitrary IDs.
func (m *mockRuntime) approvalLocked(approvalID string) *approvalState {
	approval, ok := m.approvals[approvalID]
	if !ok {
		approval = &approvalState{ThreadID: "thread-" + approvalID, TurnID: "turn-" + approvalID}
		m.approvals[approvalID] = approval
	}
	return approval
}

func (m *mockRuntime) upsertTranscript(c *gin.Context) {
	var req struct {
		SessionID string                 `json:"session_id"`
		TurnID    string                 `json:"turn_id"`
		Entry     map[string]interface{} `json:"entry"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	m.mu.Lock()
	m.entries = append(m.entries, map[string]interface{}{
		"session_id": req.SessionID,
		"turn_id":    req.TurnID,
		"entry":      req.Entry,
	})
	count := len(m.entries)
	m.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"status":  "performed",
		"details": gin.H{"entry_count": count},
	})
}

func (m *mockRuntime) steerTurn(c *gin.Context) {
	var req struct {
		SessionID   string `json:"session_id"`
		TurnID      string `json:"turn_id"`
		Instruction string `json:"instruction"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m.mu.Lock()
	turn, ok := m.turns[req.TurnID]
	running := ok && turn.Status == "running"
	m.mu.Unlock()

	if !running {
		c.JSON(http.StatusConflict, gin.H{"error": "no active turn"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "performed"})
}
