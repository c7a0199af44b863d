// Package integrity provides tamper-evident hashing and Merkle tree construction
// for the action audit trail. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

// Hash version prefixes. New hashes get v2 (length-prefixed encoding).
// Old hashes (no prefix) are treated as v1 (pipe-delimited) for backward compatibility.
const (
	hashV2Prefix = "v2:"
)

// ComputeActionHash produces a versioned SHA-256 hex digest binding an action
// record's identity, its typed payload, and its execution time. New hashes use
// the v2 format (length-prefixed binary encoding) and carry a "v2:" prefix.
func ComputeActionHash(id, diagnosisID uuid.UUID, action model.SuggestedAction, executedAt time.Time) string {
	return hashV2Prefix + computeV2Hash(id, diagnosisID, action, executedAt)
}

// VerifyActionHash checks whether a stored hash matches the recomputed hash.
// It detects the hash version from the prefix and uses the appropriate algorithm:
//   - "v2:" prefix -> length-prefixed binary encoding (current)
//   - no prefix   -> pipe-delimited encoding over the rendered action (legacy v1)
func VerifyActionHash(stored string, id, diagnosisID uuid.UUID, action model.SuggestedAction, executedAt time.Time) bool {
	if strings.HasPrefix(stored, hashV2Prefix) {
		return stored == hashV2Prefix+computeV2Hash(id, diagnosisID, action, executedAt)
	}
	// Legacy v1 hashes (pipe-delimited, no version prefix).
	return stored == computeV1Hash(id, diagnosisID, action, executedAt)
}

// computeV1Hash produces the legacy pipe-delimited SHA-256 hex digest over the
// human-rendered action. Kept so records hashed before the v2 format still verify.
func computeV1Hash(id, diagnosisID uuid.UUID, action model.SuggestedAction, executedAt time.Time) string {
	canonical := fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		id.String(), diagnosisID.String(), action.Kind, action.Target(),
		action.Describe(), executedAt.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// computeV2Hash produces a length-prefixed SHA-256 hex digest. Each field is
// encoded as a 4-byte big-endian length prefix followed by the field bytes,
// which avoids delimiter collisions when freeform fields (reasons, string
// params) contain pipe characters. The action payload is encoded field by
// field rather than through its rendered description, so cosmetic changes to
// Describe cannot invalidate stored hashes.
func computeV2Hash(id, diagnosisID uuid.UUID, action model.SuggestedAction, executedAt time.Time) string {
	h := sha256.New()
	writeField(h, id.String())
	writeField(h, diagnosisID.String())
	writeField(h, string(action.Kind))
	writeField(h, action.Target())
	writeAction(h, action)
	writeField(h, executedAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by the action schema, far below uint32
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

// writeAction encodes the active variant's payload. Every field that defines
// what the action did is bound; informational fields (scopes, reasons) are
// bound too so a reworded record is detectable.
func writeAction(h hash.Hash, a model.SuggestedAction) {
	switch a.Kind {
	case model.ActionAdjustParam:
		if p := a.AdjustParam; p != nil {
			writeField(h, p.Key)
			writeField(h, p.Scope)
			writeParam(h, p.Old)
			writeParam(h, p.New)
		}
	case model.ActionToggleFeature:
		if t := a.ToggleFeature; t != nil {
			writeField(h, t.Feature)
			writeField(h, strconv.FormatBool(t.Desired))
			writeField(h, t.Reason)
		}
	case model.ActionScaleResource:
		if s := a.ScaleResource; s != nil {
			writeField(h, string(s.Resource))
			writeField(h, strconv.FormatInt(s.Old, 10))
			writeField(h, strconv.FormatInt(s.New, 10))
		}
	case model.ActionRestartService:
		if r := a.RestartService; r != nil {
			writeField(h, r.Component)
			writeField(h, strconv.FormatBool(r.Graceful))
		}
	case model.ActionClearCache:
		if c := a.ClearCache; c != nil {
			writeField(h, c.Cache)
		}
	case model.ActionNoOp:
		if n := a.NoOp; n != nil {
			writeField(h, n.Reason)
			revisit := ""
			if n.RevisitAfter != nil {
				revisit = n.RevisitAfter.UTC().Format(time.RFC3339Nano)
			}
			writeField(h, revisit)
		}
	}
}

// writeParam encodes a typed parameter value as kind plus canonical payload.
func writeParam(h hash.Hash, v model.ParamValue) {
	writeField(h, string(v.Kind))
	switch v.Kind {
	case model.ParamInteger:
		writeField(h, strconv.FormatInt(v.Integer, 10))
	case model.ParamFloat:
		writeField(h, strconv.FormatFloat(v.Float, 'f', 10, 64))
	case model.ParamString:
		writeField(h, v.String)
	case model.ParamDuration:
		writeField(h, strconv.FormatInt(v.DurationMS, 10))
	case model.ParamBoolean:
		writeField(h, strconv.FormatBool(v.Boolean))
	default:
		writeField(h, "")
	}
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962),
// ensuring internal node hashes can never collide with leaf content hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01}) // internal node domain separator
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaves must be sorted lexicographically by the caller for determinism.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	// Build tree bottom-up.
	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				// Odd node: hash with itself for structural binding to tree position.
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}

// RecordsRoot computes the Merkle root over the content hashes of a set of
// action records. Hashes are sorted before building so the root is stable
// regardless of list order; records without a content hash are skipped.
func RecordsRoot(records []model.ActionRecord) string {
	leaves := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.ContentHash != "" {
			leaves = append(leaves, rec.ContentHash)
		}
	}
	sort.Strings(leaves)
	return BuildMerkleRoot(leaves)
}
