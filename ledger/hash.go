package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// canonicalEntry fixes field order for hashing. Metadata maps are marshalled
// with sorted keys by encoding/json, so the output is deterministic.
type canonicalEntry struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Seq       int64     `json:"seq"`
	ActorType ActorType `json:"actor_type"`
	ActorID   string    `json:"actor_id"`
	Action    string    `json:"action"`
	Severity  Severity  `json:"severity"`
	RefType   string    `json:"ref_type"`
	RefID     string    `json:"ref_id"`
	Before    *Snapshot `json:"before"`
	After     *Snapshot `json:"after"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt string    `json:"created_at"`
}

// Canonical serializes every hashed field of e except PrevHash and EntryHash.
func Canonical(e Entry) ([]byte, error) {
	b, err := json.Marshal(canonicalEntry{
		ID:        e.ID,
		TenantID:  e.TenantID,
		Seq:       e.Seq,
		ActorType: e.ActorType,
		ActorID:   e.ActorID,
		Action:    e.Action,
		Severity:  e.Severity,
		RefType:   e.RefType,
		RefID:     e.RefID,
		Before:    e.Before,
		After:     e.After,
		Metadata:  e.Metadata,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize: %w", err)
	}
	return b, nil
}

// ComputeHash returns hex(sha256(prevHash ‖ canonical(e))).
func ComputeHash(prevHash string, e Entry) (string, error) {
	body, err := Canonical(e)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Seal links e to the tail (prevHash, prevSeq) and fills Seq, PrevHash and
// EntryHash. CreatedAt is truncated to microseconds so the hash survives a
// round trip through Postgres timestamptz.
func Seal(e Entry, prevHash string, prevSeq int64) (Entry, error) {
	if e.TenantID == "" || e.Action == "" {
		return Entry{}, ErrInvalidEntry
	}
	if prevHash == "" {
		prevHash = GenesisHash
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.ActorType == "" {
		e.ActorType = ActorSystem
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)
	e.ID = validUTF8(e.ID)
	e.TenantID = validUTF8(e.TenantID)
	e.ActorID = validUTF8(e.ActorID)
	e.Action = validUTF8(e.Action)
	e.RefType = validUTF8(e.RefType)
	e.RefID = validUTF8(e.RefID)
	e.Before = e.Before.normalized()
	e.After = e.After.normalized()
	e.Metadata = e.Metadata.Bounded()
	e.Seq = prevSeq + 1
	e.PrevHash = prevHash

	hash, err := ComputeHash(prevHash, e)
	if err != nil {
		return Entry{}, err
	}
	e.EntryHash = hash
	return e, nil
}

// VerifyChain replays entries in sequence order. The first entry whose link,
// sequence or recomputed hash disagrees with the stored values is reported.
func VerifyChain(tenantID string, entries []Entry) VerifyResult {
	res := VerifyResult{TenantID: tenantID, OK: true}
	prevHash := GenesisHash
	var prevSeq int64
	for _, e := range entries {
		res.Checked++
		switch {
		case e.Seq != prevSeq+1:
			return broken(res, e.Seq, fmt.Sprintf("sequence gap: expected %d", prevSeq+1))
		case e.PrevHash != prevHash:
			return broken(res, e.Seq, "prev hash does not match preceding entry")
		}
		want, err := ComputeHash(prevHash, e)
		if err != nil {
			return broken(res, e.Seq, err.Error())
		}
		if want != e.EntryHash {
			return broken(res, e.Seq, "entry hash mismatch")
		}
		prevHash = e.EntryHash
		prevSeq = e.Seq
	}
	return res
}

// normalized returns a sanitized copy so the caller's snapshot is untouched.
func (s *Snapshot) normalized() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Kind = validUTF8(out.Kind)
	out.Status = validUTF8(out.Status)
	out.Attrs = out.Attrs.Bounded()
	return &out
}

func broken(res VerifyResult, seq int64, reason string) VerifyResult {
	res.OK = false
	res.BrokenAt = seq
	res.Reason = reason
	return res
}

// CountActions tallies entries by action.
func CountActions(entries []Entry) ActionCounts {
	out := make(ActionCounts)
	for _, e := range entries {
		out[e.Action]++
	}
	return out
}

func sortedKeys(m Metadata) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
