package agent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/helm/core/pkg/agent"
)

func TestState_CloneIsIndependent(t *testing.T) {
	s := &agent.State{
		Version:        1,
		EntityVersions: map[string]int64{"order-1": 3},
		Data:           map[string]any{"count": 1},
		UpdatedAt:      1000,
	}

	clone := s.Clone()
	clone.EntityVersions["order-1"] = 99
	clone.Data["count"] = 2

	assert.Equal(t, int64(3), s.EntityVersions["order-1"])
	assert.Equal(t, 1, s.Data["count"])
	assert.Equal(t, int64(99), clone.EntityVersions["order-1"])
}

func TestState_CloneNil(t *testing.T) {
	var s *agent.State
	assert.Nil(t, s.Clone())
}
