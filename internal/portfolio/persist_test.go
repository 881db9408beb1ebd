package portfolio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portfolio.json")

	s := NewState(100000, testCfg)
	_, _, err := s.ApplyFill(Fill{Symbol: "AAPL", Side: "BUY", Quantity: 100, Price: 185.50, StopPrice: 182, TargetPrice: 195, Timestamp: ts(2)})
	require.NoError(t, err)
	require.NoError(t, s.Save(path))

	loaded, err := LoadState(path, 100000, testCfg)
	require.NoError(t, err)

	want := s.Snapshot()
	got := loaded.Snapshot()
	assert.Equal(t, want.Cash, got.Cash)
	assert.Equal(t, want.Positions, got.Positions)
	assert.Equal(t, want.Version, got.Version)
}

func TestLoadState_MissingFileStartsFresh(t *testing.T) {
	s, err := LoadState(filepath.Join(t.TempDir(), "nope.json"), 42000, testCfg)
	require.NoError(t, err)
	snap := s.Snapshot()
	assert.Equal(t, 42000.0, snap.Cash)
	assert.Empty(t, snap.Positions)
}

func TestLoadState_CorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portfolio.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := LoadState(path, 100000, testCfg)
	assert.Error(t, err)
}

// A restart inside a breach session must come back with the hard-breach
// latch still set; persistence carries the tracker's session fields.
func TestSaveLoad_PreservesHardBreachLatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portfolio.json")

	s := NewState(100000, testCfg)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	_, _, err := s.ApplyFill(Fill{Symbol: "AAPL", Side: "BUY", Quantity: 500, Price: 100, Timestamp: now})
	require.NoError(t, err)

	_, status := s.MarkPrices(map[string]float64{"AAPL": 92}, now.Add(time.Hour))
	require.True(t, status.HardBreach)
	require.NoError(t, s.Save(path))

	loaded, err := LoadState(path, 100000, testCfg)
	require.NoError(t, err)
	assert.True(t, loaded.Snapshot().HardBreach)

	// Same session, price recovers: latch must still hold after the reload.
	_, status = loaded.MarkPrices(map[string]float64{"AAPL": 100}, now.Add(2*time.Hour))
	assert.True(t, status.HardBreach)
	assert.False(t, status.HardCleared)
}
