package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminRegistry(t *testing.T) {
	r := NewAdminRegistry()

	added, err := r.Register(alice, "!dm:hs")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = r.Register(alice, "!dm:hs")
	require.NoError(t, err)
	assert.False(t, added)

	_, _ = r.Register(alice, "!dm2:hs")
	assert.Equal(t, []string{"!dm:hs", "!dm2:hs"}, r.Rooms(alice))

	owner, ok := r.Owner("!dm:hs")
	require.True(t, ok)
	assert.Equal(t, alice, owner)

	// a room changes hands
	added, err = r.Register("@bob:hs", "!dm:hs")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, []string{"!dm2:hs"}, r.Rooms(alice))

	r.Remove("!dm2:hs")
	assert.Empty(t, r.Rooms(alice))
	_, ok = r.Owner("!dm2:hs")
	assert.False(t, ok)

	_, err = r.Register("", "!x:hs")
	assert.ErrorIs(t, err, ErrInvalidArgs)
}
