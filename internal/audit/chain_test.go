package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChain() (*Chain, *MemoryStore) {
	store := NewMemoryStore()
	return NewChain(store, zerolog.Nop()), store
}

func appendN(t *testing.T, c *Chain, n int) []*Entry {
	t.Helper()
	out := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := c.Append(context.Background(), Record{
			Action:       ActionIngest,
			ResourceType: "telemetry",
			ResourceID:   "batch",
			DeviceID:     "historian-1",
			NewValue:     map[string]int{"records": 10 + i},
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestChainLinksEntries(t *testing.T) {
	c, _ := newTestChain()
	entries := appendN(t, c, 3)

	assert.Equal(t, Genesis, entries[0].PreviousHash)
	assert.Equal(t, entries[0].Checksum, entries[1].PreviousHash)
	assert.Equal(t, entries[1].Checksum, entries[2].PreviousHash)

	for _, e := range entries {
		assert.Len(t, e.Checksum, 64, "sha-256 hex")
		assert.Equal(t, e.Checksum, checksum(e), "stored checksum matches content")
	}
}

func TestVerifyCleanChain(t *testing.T) {
	c, _ := newTestChain()
	appendN(t, c, 5)

	findings, err := c.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestVerifyDetectsTamperedValue(t *testing.T) {
	c, store := newTestChain()
	entries := appendN(t, c, 3)

	// Mutate E2's new_value behind the chain's back.
	store.Tamper(entries[1].ID, json.RawMessage(`{"records":9999}`))

	findings, err := c.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, findings, 2)

	assert.Equal(t, entries[1].ID, findings[0].EntryID)
	assert.Equal(t, FindingChecksumMismatch, findings[0].Kind)

	// E3 breaks too: its previous_hash no longer matches E2's recomputed
	// checksum.
	assert.Equal(t, entries[2].ID, findings[1].EntryID)
	assert.Equal(t, FindingChainBreak, findings[1].Kind)
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	c, store := newTestChain()
	entries := appendN(t, c, 3)

	// Rewriting E2's content also invalidates E3's previous_hash once the
	// checksum is recomputed to cover the new content.
	store.mu.Lock()
	e2 := store.entries[1]
	e2.NewValue = json.RawMessage(`{"records":9999}`)
	e2.Checksum = checksum(e2)
	store.mu.Unlock()

	findings, err := c.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, entries[2].ID, findings[0].EntryID)
	assert.Equal(t, FindingChainBreak, findings[0].Kind)
}

func TestChainResumesFromPersistedTail(t *testing.T) {
	c1, store := newTestChain()
	entries := appendN(t, c1, 2)

	// A fresh chain head over the same store must continue the chain, not
	// restart it at GENESIS.
	c2 := NewChain(store, zerolog.Nop())
	e, err := c2.Append(context.Background(), Record{
		Action:       ActionIngest,
		ResourceType: "events",
		NewValue:     map[string]int{"records": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, entries[1].Checksum, e.PreviousHash)

	findings, err := c2.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestVerifyRange(t *testing.T) {
	c, store := newTestChain()
	entries := appendN(t, c, 5)
	store.Tamper(entries[0].ID, json.RawMessage(`{"records":9999}`))

	// Scanning from entry 3 on never sees the tampered head.
	findings, err := c.Verify(context.Background(), 3, 0)
	require.NoError(t, err)
	assert.Empty(t, findings)

	findings, err = c.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, findings, 2, "tampered head plus broken link at its successor")
	assert.Equal(t, entries[0].ID, findings[0].EntryID)
	assert.Equal(t, entries[1].ID, findings[1].EntryID)
}

func TestFailedAppendLeavesHashUntouched(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	c := NewChain(store, zerolog.Nop())

	e1, err := c.Append(context.Background(), Record{Action: ActionIngest, ResourceType: "telemetry"})
	require.NoError(t, err)

	store.fail = true
	_, err = c.Append(context.Background(), Record{Action: ActionIngest, ResourceType: "telemetry"})
	require.Error(t, err)

	store.fail = false
	e3, err := c.Append(context.Background(), Record{Action: ActionIngest, ResourceType: "telemetry"})
	require.NoError(t, err)
	assert.Equal(t, e1.Checksum, e3.PreviousHash, "failed append must not advance last_hash")
}

type failingStore struct {
	*MemoryStore
	fail bool
}

func (s *failingStore) Append(ctx context.Context, e *Entry) (int64, error) {
	if s.fail {
		return 0, assert.AnError
	}
	return s.MemoryStore.Append(ctx, e)
}
