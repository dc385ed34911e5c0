// Package digest computes content hashes of sensor payloads.
//
// Payloads are serialised to JSON and canonicalised with RFC 8785 (JSON
// Canonicalization Scheme) before hashing, so the digest depends only on
// field values and never on the order in which fields were assigned.
// Hashes are lowercase hex.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"

	"github.com/gowebpki/jcs"
	"github.com/zeebo/blake3"

	"github.com/dreamware/twinlogy/internal/telemetry"
)

// Supported algorithm names.
const (
	AlgorithmSHA256 = "sha256"
	AlgorithmBLAKE3 = "blake3"
)

// Hasher computes the content digest of a payload.
type Hasher interface {
	Sum(p telemetry.Payload) (string, error)
	Algorithm() string
}

type hasher struct {
	name    string
	newHash func() hash.Hash
}

// SHA256 returns the default hasher.
func SHA256() Hasher {
	return hasher{name: AlgorithmSHA256, newHash: sha256.New}
}

// BLAKE3 returns a hasher producing 256-bit BLAKE3 digests.
func BLAKE3() Hasher {
	return hasher{name: AlgorithmBLAKE3, newHash: func() hash.Hash { return blake3.New() }}
}

// New returns the hasher registered under name.
func New(name string) (Hasher, error) {
	switch name {
	case "", AlgorithmSHA256:
		return SHA256(), nil
	case AlgorithmBLAKE3:
		return BLAKE3(), nil
	default:
		return nil, fmt.Errorf("digest: unknown algorithm %q", name)
	}
}

func (h hasher) Algorithm() string { return h.name }

func (h hasher) Sum(p telemetry.Payload) (string, error) {
	canonical, err := Canonical(p)
	if err != nil {
		return "", err
	}
	d := h.newHash()
	d.Write(canonical)
	return hex.EncodeToString(d.Sum(nil)), nil
}

// Canonical returns the RFC 8785 form of the payload that is fed to the hash.
func Canonical(p telemetry.Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("digest: marshal payload: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("digest: canonicalize payload: %w", err)
	}
	return out, nil
}
