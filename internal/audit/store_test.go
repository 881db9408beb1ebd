package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_AppendAndQuery(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	e1 := New("corr-1", "pipeline", KindRunStarted, "", nil)
	e2 := New("corr-1", "risk", KindApproved, "", map[string]int{"quantity": 142})
	e3 := New("corr-2", "risk", KindRejected, "constraint_violation:max_position", nil)

	for _, e := range []Event{e1, e2, e3} {
		require.NoError(t, store.Append(ctx, e))
	}

	trail, err := store.ByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	// ULID ids sort in insertion order.
	assert.Equal(t, e1.ID, trail[0].ID)
	assert.Equal(t, e2.ID, trail[1].ID)
	assert.JSONEq(t, `{"quantity":142}`, string(trail[1].Payload))

	rejected, err := store.ByKind(ctx, KindRejected)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "constraint_violation:max_position", rejected[0].Reason)

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_DuplicateIDRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	e := New("corr-1", "pipeline", KindRunStarted, "", nil)
	require.NoError(t, store.Append(ctx, e))
	assert.Error(t, store.Append(ctx, e), "the trail is append-only; replayed ids must not overwrite")
}

func TestStore_TimestampsSurviveRoundtrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	e := New("corr-1", "monitor", KindStopTriggered, "stop_loss", nil)
	require.NoError(t, store.Append(ctx, e))

	got, err := store.ByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Timestamp.Equal(e.Timestamp))
}

func TestWriter_FlushesOnClose(t *testing.T) {
	store := openTestStore(t)
	w := NewWriter(store, 64, zerolog.Nop())

	for i := 0; i < 100; i++ {
		w.Record(New("corr-1", "pipeline", KindCandidates, "", nil))
	}
	w.Close()

	all, err := store.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 100, "no buffered event may be lost at shutdown")
}

func TestWriter_RecordAfterCloseStillLands(t *testing.T) {
	store := openTestStore(t)
	w := NewWriter(store, 8, zerolog.Nop())
	w.Close()

	w.Record(New("corr-1", "pipeline", KindRunStarted, "", nil))

	all, err := store.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestWriter_SpillsWhenStoreFails(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Close())

	w := NewWriter(store, 8, zerolog.Nop())
	e := New("corr-1", "pipeline", KindRunStarted, "", nil)
	w.Record(e)
	w.Close()

	raw, err := os.ReadFile(store.Path() + ".spill.jsonl")
	require.NoError(t, err, "a failed append must land in the spill file, not vanish")

	var got Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &got))
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, KindRunStarted, got.Kind)
	assert.Equal(t, "corr-1", got.CorrelationID)
}
