package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestStoreAppendAndRecent(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	base := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	entries := []Entry{
		{Time: base, Node: "coil", Verb: "manual-actuate", Args: []string{"3000"}, Corr: "c-1", Outcome: "acked"},
		{Time: base.Add(time.Second), Node: "coil", Verb: "set-parameter", Args: []string{"setpoint", "40"}, Corr: "c-2", Outcome: "nacked: regulation loop engaged"},
		{Time: base.Add(2 * time.Second), Node: "solenoid", Verb: "query-status", Corr: "c-3", Outcome: "timeout"},
	}
	for _, e := range entries {
		require.NoError(t, s.Append(e))
	}

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recent, err := s.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c-3", recent[0].Corr)
	assert.Equal(t, "c-2", recent[1].Corr)
	assert.Equal(t, "nacked: regulation loop engaged", recent[1].Outcome)

	all, err := s.Recent(50)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c-1", all[2].Corr)
	assert.Equal(t, []string{"3000"}, all[2].Args)
	assert.True(t, all[2].Time.Equal(base))
}

func TestStoreRecentEmptyAndZero(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	got, err := s.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.Recent(0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreStampsZeroTime(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	before := time.Now()
	require.NoError(t, s.Append(Entry{Node: "coil", Verb: "query-status", Corr: "c-1", Outcome: "acked"}))
	recent, err := s.Recent(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.False(t, recent[0].Time.Before(before.Add(-time.Second)))
}

func TestStoreSurvivesReopen(t *testing.T) {
	s, path := openTemp(t)
	require.NoError(t, s.Append(Entry{Node: "coil", Verb: "query-status", Corr: "c-1", Outcome: "acked"}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	n, err := s2.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s2.Append(Entry{Node: "coil", Verb: "query-status", Corr: "c-2", Outcome: "acked"}))
	recent, err := s2.Recent(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "c-2", recent[0].Corr, "sequence keys keep appending after reopen")
}
