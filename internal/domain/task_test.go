package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKeyDeterministic(t *testing.T) {
	key := TaskKey{MasterOrderID: "812345", FollowerAccountID: "follower-1", MasterEventSeq: 7}

	first := key.IdempotencyKey()
	second := key.IdempotencyKey()

	require.Equal(t, first, second)
	assert.Len(t, first, 32)
}

func TestIdempotencyKeyDistinguishesComponents(t *testing.T) {
	base := TaskKey{MasterOrderID: "812345", FollowerAccountID: "follower-1", MasterEventSeq: 7}

	variants := []TaskKey{
		{MasterOrderID: "812346", FollowerAccountID: "follower-1", MasterEventSeq: 7},
		{MasterOrderID: "812345", FollowerAccountID: "follower-2", MasterEventSeq: 7},
		{MasterOrderID: "812345", FollowerAccountID: "follower-1", MasterEventSeq: 8},
	}
	for _, v := range variants {
		assert.NotEqual(t, base.IdempotencyKey(), v.IdempotencyKey(), "key %+v", v)
	}
}

// A delimiter-free concatenation would make ("ab","c") collide with ("a","bc").
func TestIdempotencyKeyNoConcatenationCollision(t *testing.T) {
	a := TaskKey{MasterOrderID: "ab", FollowerAccountID: "c", MasterEventSeq: 1}
	b := TaskKey{MasterOrderID: "a", FollowerAccountID: "bc", MasterEventSeq: 1}
	assert.NotEqual(t, a.IdempotencyKey(), b.IdempotencyKey())
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to TaskState }{
		{TaskPending, TaskSubmitted},
		{TaskPending, TaskSkipped},
		{TaskPending, TaskFailedFatal},
		{TaskSubmitted, TaskConfirmed},
		{TaskSubmitted, TaskFailedRetry},
		{TaskSubmitted, TaskFailedFatal},
		{TaskFailedRetry, TaskPending},
		{TaskFailedRetry, TaskFailedFatal},
		{TaskFailedFatal, TaskAborted},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s should be legal", tr.from, tr.to)
	}

	forbidden := []struct{ from, to TaskState }{
		{TaskPending, TaskConfirmed},
		{TaskPending, TaskAborted},
		{TaskSubmitted, TaskAborted},
		{TaskSubmitted, TaskPending},
		{TaskConfirmed, TaskPending},
		{TaskConfirmed, TaskAborted},
		{TaskAborted, TaskPending},
		{TaskSkipped, TaskSubmitted},
		{TaskFailedRetry, TaskConfirmed},
	}
	for _, tr := range forbidden {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s should be illegal", tr.from, tr.to)
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []TaskState{TaskConfirmed, TaskAborted, TaskSkipped, TaskFailedFatal} {
		assert.True(t, s.Terminal(), "%s", s)
	}
	for _, s := range []TaskState{TaskPending, TaskSubmitted, TaskFailedRetry} {
		assert.False(t, s.Terminal(), "%s", s)
	}
}
