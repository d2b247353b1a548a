package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendN(t *testing.T, m *Memory, tenant string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := m.Append(context.Background(), Entry{
			TenantID: tenant,
			Action:   "dispute.transition",
			RefType:  "dispute",
			RefID:    fmt.Sprintf("d-%d", i),
			Before:   &Snapshot{Kind: "dispute", Version: 1, Status: "OPEN"},
			After:    &Snapshot{Kind: "dispute", Version: 1, Status: "EVIDENCE_REQUIRED"},
			Metadata: Metadata{"i": fmt.Sprint(i)},
		})
		require.NoError(t, err)
	}
}

func TestMemoryAppend_ChainsEntries(t *testing.T) {
	m := NewMemory()
	appendN(t, m, "T1", 5)

	entries, err := m.Entries(context.Background(), "T1")
	require.NoError(t, err)
	require.Len(t, entries, 5)

	assert.Equal(t, GenesisHash, entries[0].PrevHash)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].EntryHash, entries[i].PrevHash)
		assert.Equal(t, int64(i+1), entries[i].Seq)
	}

	res, err := m.Verify(context.Background(), "T1")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 5, res.Checked)
}

func TestVerify_DetectsContentCorruption(t *testing.T) {
	m := NewMemory()
	appendN(t, m, "T1", 4)

	m.tamper("T1", 1, func(e *Entry) { e.Metadata = Metadata{"i": "tampered"} })

	res, err := m.Verify(context.Background(), "T1")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, int64(2), res.BrokenAt)
}

func TestVerify_DetectsRelinkedEntry(t *testing.T) {
	m := NewMemory()
	appendN(t, m, "T1", 3)

	// Re-sealing a rewritten entry fixes its own hash but breaks the next link.
	m.tamper("T1", 0, func(e *Entry) {
		e.Action = "dispute.rewritten"
		e.EntryHash, _ = ComputeHash(e.PrevHash, *e)
	})

	res := VerifyChain("T1", mustEntries(t, m, "T1"))
	assert.False(t, res.OK)
	assert.Equal(t, int64(2), res.BrokenAt)
}

func TestVerify_DetectsGap(t *testing.T) {
	m := NewMemory()
	appendN(t, m, "T1", 3)

	entries := mustEntries(t, m, "T1")
	res := VerifyChain("T1", []Entry{entries[0], entries[2]})
	assert.False(t, res.OK)
	assert.Equal(t, int64(3), res.BrokenAt)
}

func TestMemoryAppend_TenantsAreIndependent(t *testing.T) {
	m := NewMemory()
	appendN(t, m, "T1", 2)
	appendN(t, m, "T2", 1)

	t2 := mustEntries(t, m, "T2")
	require.Len(t, t2, 1)
	assert.Equal(t, GenesisHash, t2[0].PrevHash)
	assert.Equal(t, int64(1), t2[0].Seq)
}

func TestMemoryAppend_ConcurrentAppendsStayLinear(t *testing.T) {
	m := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Append(context.Background(), Entry{TenantID: "T1", Action: "webhook.received"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	res, err := m.Verify(context.Background(), "T1")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 50, res.Checked)
}

func TestSeal_RejectsMissingTenant(t *testing.T) {
	_, err := Seal(Entry{Action: "x"}, "", 0)
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestSeal_HashSurvivesMicrosecondRoundTrip(t *testing.T) {
	created := time.Date(2025, 1, 10, 8, 30, 0, 123456789, time.UTC)
	sealed, err := Seal(Entry{TenantID: "T1", Action: "x", CreatedAt: created}, "", 0)
	require.NoError(t, err)

	reloaded := sealed
	reloaded.CreatedAt = sealed.CreatedAt.In(time.FixedZone("CET", 3600))
	res := VerifyChain("T1", []Entry{reloaded})
	assert.True(t, res.OK)
}

func TestMetadataBounded(t *testing.T) {
	m := Metadata{}
	for i := 0; i < MaxMetadataKeys+5; i++ {
		m[fmt.Sprintf("k%02d", i)] = "v"
	}
	m["k00"] = string(make([]byte, MaxMetadataValue+10))

	b := m.Bounded()
	assert.Len(t, b, MaxMetadataKeys)
	assert.Len(t, b["k00"], MaxMetadataValue)
}

func TestMetadataBounded_KeepsRunesWhole(t *testing.T) {
	m := Metadata{
		"payload": strings.Repeat("a", MaxMetadataValue-1) + "é tail",
		"bad\xff": "x\xfey",
	}

	b := m.Bounded()
	assert.Equal(t, strings.Repeat("a", MaxMetadataValue-1), b["payload"])
	assert.Equal(t, "x\uFFFDy", b["bad\uFFFD"])
	for k, v := range b {
		assert.True(t, utf8.ValidString(k))
		assert.True(t, utf8.ValidString(v))
	}
}

// Entries travel through JSONB columns, so the hash must survive a
// marshal/unmarshal of every JSON field.
func TestSeal_VerifiesAfterColumnRoundTrip(t *testing.T) {
	long := strings.Repeat("a", MaxMetadataValue-1) + "é tail"
	sealed, err := Seal(Entry{
		TenantID:  "T1",
		Action:    "webhook.malformed",
		ActorID:   "worker\xc3",
		RefID:     "evt-ü",
		Before:    &Snapshot{Kind: "dispute", Status: "OPEN", Attrs: Metadata{"note": long}},
		After:     &Snapshot{Kind: "dispute", Status: "OPEN\xe2\x82"},
		Metadata:  Metadata{"payload": long, "émoji": "ok 😀"},
		CreatedAt: time.Now(),
	}, "", 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(sealed.Metadata["payload"]), MaxMetadataValue)
	assert.True(t, utf8.ValidString(sealed.ActorID))

	before, after, meta, err := encodeJSONColumns(sealed)
	require.NoError(t, err)
	reloaded := Entry{
		ID:        sealed.ID,
		TenantID:  sealed.TenantID,
		Seq:       sealed.Seq,
		ActorType: sealed.ActorType,
		ActorID:   sealed.ActorID,
		Action:    sealed.Action,
		Severity:  sealed.Severity,
		RefType:   sealed.RefType,
		RefID:     sealed.RefID,
		CreatedAt: sealed.CreatedAt,
		PrevHash:  sealed.PrevHash,
		EntryHash: sealed.EntryHash,
	}
	require.NoError(t, decodeJSONColumns(&reloaded, before, after, meta))

	res := VerifyChain("T1", []Entry{reloaded})
	assert.True(t, res.OK, res.Reason)
}

func TestCountActions(t *testing.T) {
	m := NewMemory()
	appendN(t, m, "T1", 3)
	_, err := m.Append(context.Background(), Entry{TenantID: "T1", Action: "evidence.ready"})
	require.NoError(t, err)

	counts, err := m.CountByAction(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, 3, counts["dispute.transition"])
	assert.Equal(t, 1, counts["evidence.ready"])
}

func mustEntries(t *testing.T, m *Memory, tenant string) []Entry {
	t.Helper()
	entries, err := m.Entries(context.Background(), tenant)
	require.NoError(t, err)
	return entries
}
