package broker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tlcfem/motion-base-go/internal/broker"
)

func TestShouldProcessLocally_SingleWorkerAlwaysLocal(t *testing.T) {
	assert.True(t, broker.ShouldProcessLocally(1, true, true))
}

func TestShouldProcessLocally_LightRequestIsLocal(t *testing.T) {
	assert.True(t, broker.ShouldProcessLocally(5, false, false))
}

func TestShouldProcessLocally_HeavyRequestDispatches(t *testing.T) {
	assert.False(t, broker.ShouldProcessLocally(5, true, false))
	assert.False(t, broker.ShouldProcessLocally(5, false, true))
}
