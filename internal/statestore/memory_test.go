package statestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	s.Set("online:dock-1", []byte("1"), 0)
	v, ok := s.Get("online:dock-1")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
	assert.True(t, s.Exists("online:dock-1"))

	assert.True(t, s.Delete("online:dock-1"))
	assert.False(t, s.Delete("online:dock-1"))
	_, ok = s.Get("online:dock-1")
	assert.False(t, ok)
}

func TestKVExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	s.Set("online:dock-1", []byte("1"), 20*time.Millisecond)
	assert.True(t, s.Exists("online:dock-1"))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, s.Exists("online:dock-1"))
}

func TestZAddPopOrder(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	assert.True(t, s.ZAdd(SetTimedExecute, "ws:d1:j1", 300))
	assert.True(t, s.ZAdd(SetTimedExecute, "ws:d1:j2", 100))
	assert.True(t, s.ZAdd(SetTimedExecute, "ws:d2:j3", 200))

	member, score, ok := s.ZPopMin(SetTimedExecute)
	require.True(t, ok)
	assert.Equal(t, "ws:d1:j2", member)
	assert.Equal(t, int64(100), score)

	member, _, ok = s.ZPopMin(SetTimedExecute)
	require.True(t, ok)
	assert.Equal(t, "ws:d2:j3", member)

	member, _, ok = s.ZPopMin(SetTimedExecute)
	require.True(t, ok)
	assert.Equal(t, "ws:d1:j1", member)

	_, _, ok = s.ZPopMin(SetTimedExecute)
	assert.False(t, ok)
}

func TestZAddReplacesScore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	assert.True(t, s.ZAdd(SetConditionalPrepare, "ws:d1:j1", 500))
	// Re-adding the same member updates the score in place.
	assert.False(t, s.ZAdd(SetConditionalPrepare, "ws:d1:j1", 100))

	score, ok := s.ZScore(SetConditionalPrepare, "ws:d1:j1")
	require.True(t, ok)
	assert.Equal(t, int64(100), score)

	// Only one entry remains.
	_, _, ok = s.ZPopMin(SetConditionalPrepare)
	require.True(t, ok)
	_, _, ok = s.ZPopMin(SetConditionalPrepare)
	assert.False(t, ok)
}

func TestZRemove(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	s.ZAdd(SetTimedExecute, "ws:d1:j1", 100)
	assert.True(t, s.ZRemove(SetTimedExecute, "ws:d1:j1"))
	assert.False(t, s.ZRemove(SetTimedExecute, "ws:d1:j1"))
	_, ok := s.ZScore(SetTimedExecute, "ws:d1:j1")
	assert.False(t, ok)
}

func TestJobMemberCodec(t *testing.T) {
	member := JobMember("ws-1", "dock-1", "job-1")
	ws, dock, job, err := SplitJobMember(member)
	require.NoError(t, err)
	assert.Equal(t, "ws-1", ws)
	assert.Equal(t, "dock-1", dock)
	assert.Equal(t, "job-1", job)

	_, _, _, err = SplitJobMember("not-a-member")
	assert.Error(t, err)
}
