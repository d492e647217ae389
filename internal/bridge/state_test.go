package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ConnState
		want     bool
	}{
		{StateUnbound, StateConnecting, true},
		{StateUnbound, StateConnected, false},
		{StateUnbound, StateConnectFailed, false},
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateConnectFailed, true},
		{StateConnecting, StateDisconnected, false},
		{StateConnected, StateDisconnected, true},
		{StateConnected, StateConnectFailed, false},
		{StateDisconnected, StateConnecting, false},
		{StateConnectFailed, StateConnecting, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "connect_failed", StateConnectFailed.String())
	assert.Equal(t, "ConnState(9)", ConnState(9).String())
	assert.True(t, StateDisconnected.Terminal())
	assert.False(t, StateConnected.Terminal())
}

func TestConnectingReachesExactlyOneOutcome(t *testing.T) {
	all := []ConnState{StateUnbound, StateConnecting, StateConnected, StateDisconnected, StateConnectFailed}
	rapid.Check(t, func(t *rapid.T) {
		c := newConnection("!a:hs", survival)
		visited := map[ConnState]bool{StateUnbound: true}
		steps := rapid.SliceOfN(rapid.SampledFrom(all), 1, 12).Draw(t, "steps")
		for _, to := range steps {
			from, err := c.transition(to)
			if err != nil {
				if c.State() != from {
					t.Fatalf("failed transition changed state")
				}
				continue
			}
			if from == StateUnbound && to != StateConnecting {
				t.Fatalf("left Unbound for %s", to)
			}
			visited[to] = true
		}
		if visited[StateConnected] && visited[StateConnectFailed] {
			t.Fatalf("reached both connected and connect_failed")
		}
	})
}
