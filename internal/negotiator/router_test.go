package negotiator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterSingleShotFlow(t *testing.T) {
	r := NewRouter()
	assert.Equal(t, StateIdle, r.State(KindJoin))

	tk, err := r.Begin(KindJoin, "session-1")
	require.NoError(t, err)
	assert.Equal(t, StateRequesting, r.State(KindJoin))
	assert.NotEmpty(t, tk.ID)

	pending, ok := r.Pending(KindJoin)
	require.True(t, ok)
	assert.Equal(t, tk, pending)

	done, ok := r.Complete(KindJoin, false)
	require.True(t, ok)
	assert.Equal(t, "session-1", done.Context)
	assert.Equal(t, StateFailed, r.State(KindJoin))

	last, ok := r.Last(KindJoin)
	require.True(t, ok)
	assert.Equal(t, tk.ID, last.ID)

	_, ok = r.Pending(KindJoin)
	assert.False(t, ok)
}

func TestRouterRefusesSameKindInFlight(t *testing.T) {
	r := NewRouter()
	first, err := r.Begin(KindCreate, 1)
	require.NoError(t, err)

	_, err = r.Begin(KindCreate, 2)
	assert.ErrorIs(t, err, ErrRequestInFlight)

	// Other kinds are independent.
	_, err = r.Begin(KindFind, nil)
	assert.NoError(t, err)

	done, ok := r.Complete(KindCreate, true)
	require.True(t, ok)
	assert.Equal(t, first.ID, done.ID)
	assert.Equal(t, StateSucceeded, r.State(KindCreate))

	_, err = r.Begin(KindCreate, 3)
	assert.NoError(t, err, "a completed kind may be issued again")
}

func TestRouterStrayCompletion(t *testing.T) {
	r := NewRouter()
	_, ok := r.Complete(KindStart, true)
	assert.False(t, ok)
	assert.Equal(t, StateIdle, r.State(KindStart))
}
