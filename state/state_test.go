package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "state.json"))
	s, err := f.Load()
	require.NoError(t, err)
	assert.True(t, s.LastReportAt.IsZero())
}

func TestSaveRoundTrip(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "state.json"))
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, f.Save(State{LastReportAt: at}))

	got, err := f.Load()
	require.NoError(t, err)
	assert.True(t, got.LastReportAt.Equal(at))
}

func TestSaveOverwrites(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, f.Save(State{LastReportAt: time.Unix(1, 0)}))
	require.NoError(t, f.Save(State{LastReportAt: time.Unix(2, 0)}))

	got, err := f.Load()
	require.NoError(t, err)
	assert.True(t, got.LastReportAt.Equal(time.Unix(2, 0)))
}
