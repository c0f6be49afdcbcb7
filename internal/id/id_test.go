package id

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTaskIDStable(t *testing.T) {
	a := NewTaskID("Backend", 2, "Add list endpoint")
	b := NewTaskID("Backend", 2, "Add list endpoint")
	assert.Equal(t, a, b)
	assert.Len(t, a, 8)

	c := NewTaskID("Backend", 3, "Add list endpoint")
	assert.NotEqual(t, a, c)
}

func TestRandomIDsPrefixedAndDistinct(t *testing.T) {
	k1, k2 := NewKoboldID(), NewKoboldID()
	assert.NotEqual(t, k1, k2)
	assert.Contains(t, k1, "kb-")
	assert.Contains(t, NewPromptID(), "pr-")
	assert.Contains(t, NewVersionID(), "v-")
	assert.Contains(t, NewPlanID(), "pl-")
}
