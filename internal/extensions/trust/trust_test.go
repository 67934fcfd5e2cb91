package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pilotd/pilotd/internal/extensions/manifest"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, ModeDisabled, Normalize("disabled"))
	assert.Equal(t, ModeWarn, Normalize("warn"))
	assert.Equal(t, ModeEnforced, Normalize("enforced"))
	assert.Equal(t, ModeWarn, Normalize(""))
	assert.Equal(t, ModeWarn, Normalize("bogus"))
}

func TestEvaluateEvents(t *testing.T) {
	m := &manifest.Manifest{
		Name:         "mod",
		Capabilities: manifest.Capabilities{Events: []string{"turn.completed"}},
	}

	t.Run("disabled accepts everything", func(t *testing.T) {
		v := EvaluateEvents(m, []string{"anything.at.all"}, ModeDisabled)
		assert.True(t, v.Accepted())
		assert.Empty(t, v.Warnings)
	})

	t.Run("warn records warnings", func(t *testing.T) {
		v := EvaluateEvents(m, []string{"turn.completed", "undeclared.event"}, ModeWarn)
		assert.True(t, v.Accepted())
		assert.Len(t, v.Warnings, 1)
		assert.Contains(t, v.Warnings[0], "undeclared.event")
	})

	t.Run("enforced rejects", func(t *testing.T) {
		v := EvaluateEvents(m, []string{"undeclared.event"}, ModeEnforced)
		assert.False(t, v.Accepted())
		assert.Len(t, v.Errors, 1)
	})

	t.Run("declared events pass under enforced", func(t *testing.T) {
		v := EvaluateEvents(m, []string{"turn.completed"}, ModeEnforced)
		assert.True(t, v.Accepted())
	})
}

func TestEvaluateAction(t *testing.T) {
	declared := []string{"queue.enqueue"}

	d := EvaluateAction(declared, "queue.enqueue", ModeEnforced)
	assert.True(t, d.Allowed)
	assert.False(t, d.Warn)

	d = EvaluateAction(declared, "approval.decide", ModeEnforced)
	assert.False(t, d.Allowed)

	d = EvaluateAction(declared, "approval.decide", ModeWarn)
	assert.True(t, d.Allowed)
	assert.True(t, d.Warn)

	d = EvaluateAction(nil, "approval.decide", ModeDisabled)
	assert.True(t, d.Allowed)
	assert.False(t, d.Warn)
}
