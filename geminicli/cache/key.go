package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/cassmtnr/gemini-bridge/geminicli/types"
)

// GenerateKey derives the 16-hex-char cache key for a request (spec.md
// §4.3): canonicalize by round-tripping through an untyped map/slice
// tree (encoding/json sorts map keys when marshaling), hash with
// SHA-256, keep the first 16 hex characters.
func GenerateKey(req types.AnalysisRequest) string {
	return hashCanonical(req)
}

func hashCanonical(v any) string {
	canonical, err := canonicalize(v)
	if err != nil {
		// A request built from in-process Go values is always
		// JSON-marshalable; this path is unreachable in practice.
		canonical = []byte{}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}

// canonicalize marshals v, then re-marshals through a generic
// interface{} tree so that map keys are sorted and field order becomes
// irrelevant — two semantically identical requests always produce
// identical bytes regardless of how their source fields were ordered.
func canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
