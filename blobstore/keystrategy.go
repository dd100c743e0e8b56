package blobstore

import (
	"fmt"
	"strconv"
	"strings"
)

// KeyStrategy decides how a stored blob is named and verified.
//
// The set of strategies is closed: DigestKeyStrategy addresses blobs by
// content, DocIDKeyStrategy by a caller-supplied identifier.
type KeyStrategy interface {
	// UseDeDuplication reports whether identical content collapses to one
	// stored copy.
	UseDeDuplication() bool
	// DigestFromKey returns the digest carried by key, if key is a valid
	// digest for this strategy.
	DigestFromKey(key string) (string, bool)
	// HasVersioning reports whether rewrites of an id create new versions.
	HasVersioning() bool
	String() string

	keyStrategy()
}

// DigestKeyStrategy keys blobs by the hex digest of their content.
type DigestKeyStrategy struct {
	Algorithm *DigestAlgorithm
}

// NewDigestKeyStrategy returns a digest strategy for alg (DefaultDigest if nil).
func NewDigestKeyStrategy(alg *DigestAlgorithm) DigestKeyStrategy {
	if alg == nil {
		alg = DefaultDigest
	}
	return DigestKeyStrategy{Algorithm: alg}
}

func (DigestKeyStrategy) UseDeDuplication() bool { return true }
func (DigestKeyStrategy) HasVersioning() bool    { return false }
func (DigestKeyStrategy) keyStrategy()           {}

func (s DigestKeyStrategy) DigestFromKey(key string) (string, bool) {
	if s.Algorithm.IsValidDigest(key) {
		return key, true
	}
	return "", false
}

func (s DigestKeyStrategy) String() string { return "digest(" + s.Algorithm.Name() + ")" }

// DocIDKeyStrategy keys blobs by the caller id. When Versioned, every write
// of an id creates the new key "<id>@<N>".
type DocIDKeyStrategy struct {
	Versioned bool
}

func (DocIDKeyStrategy) UseDeDuplication() bool              { return false }
func (DocIDKeyStrategy) DigestFromKey(string) (string, bool) { return "", false }
func (s DocIDKeyStrategy) HasVersioning() bool               { return s.Versioned }
func (DocIDKeyStrategy) keyStrategy()                        {}

func (s DocIDKeyStrategy) String() string {
	if s.Versioned {
		return "docid(versioned)"
	}
	return "docid"
}

// KeyStrategyConfig selects a KeyStrategy from configuration.
type KeyStrategyConfig struct {
	// Type is "digest" (default) or "docid".
	Type string `yaml:"type"`
	// Digest names the algorithm for the digest strategy (default MD5).
	Digest string `yaml:"digest"`
	// Versioned enables "<id>@<N>" keys for the docid strategy.
	Versioned bool `yaml:"versioned"`
}

// NewKeyStrategy builds the strategy described by cfg. Unknown types and
// algorithms are configuration errors.
func NewKeyStrategy(cfg KeyStrategyConfig) (KeyStrategy, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "digest":
		if cfg.Versioned {
			return nil, fmt.Errorf("%w: digest keys cannot be versioned", ErrInvalidConfig)
		}
		alg, err := LookupDigest(cfg.Digest)
		if err != nil {
			return nil, err
		}
		return NewDigestKeyStrategy(alg), nil
	case "docid", "managed":
		return DocIDKeyStrategy{Versioned: cfg.Versioned}, nil
	default:
		return nil, fmt.Errorf("%w: unknown key strategy %q", ErrInvalidConfig, cfg.Type)
	}
}

// SameKeyStrategy reports whether a and b produce identical keys for the
// same input.
func SameKeyStrategy(a, b KeyStrategy) bool {
	switch x := a.(type) {
	case DigestKeyStrategy:
		y, ok := b.(DigestKeyStrategy)
		return ok && x.Algorithm == y.Algorithm
	case DocIDKeyStrategy:
		y, ok := b.(DocIDKeyStrategy)
		return ok && x.Versioned == y.Versioned
	default:
		return false
	}
}

// DigestAlgorithmOf returns the algorithm to compute while streaming a write,
// or nil when the strategy does not key by content.
func DigestAlgorithmOf(ks KeyStrategy) *DigestAlgorithm {
	if d, ok := ks.(DigestKeyStrategy); ok {
		return d.Algorithm
	}
	return nil
}

// KnownDigest returns the caller-supplied digest when it can be trusted as
// the key without reading the content.
func KnownDigest(ks KeyStrategy, bc BlobContext) (string, bool) {
	if bc.Digest == "" {
		return "", false
	}
	return ks.DigestFromKey(bc.Digest)
}

// ResolveKey returns the key of a write once the content digest is known.
// For versioned strategies it returns the unversioned id.
func ResolveKey(ks KeyStrategy, bc BlobContext, digest string) (string, error) {
	if _, ok := ks.(DigestKeyStrategy); ok {
		if bc.Digest != "" && bc.Digest != digest {
			return "", fmt.Errorf("%w: supplied %s, computed %s", ErrDigestMismatch, bc.Digest, digest)
		}
		return digest, nil
	}
	if bc.ID == "" {
		return "", &InvalidKeyError{Key: bc.ID, Reason: "empty blob id"}
	}
	if strings.ContainsRune(bc.ID, versionSeparator) && ks.HasVersioning() {
		return "", &InvalidKeyError{Key: bc.ID, Reason: "id of a versioned store must not contain '@'"}
	}
	return bc.ID, nil
}

const versionSeparator = '@'

// VersionKey returns the key of version n of id.
func VersionKey(id string, n int) string {
	return id + string(versionSeparator) + strconv.Itoa(n)
}

// SplitVersion splits "<id>@<N>" into its parts.
func SplitVersion(key string) (id string, version int, ok bool) {
	i := strings.LastIndexByte(key, versionSeparator)
	if i <= 0 || i == len(key)-1 {
		return key, 0, false
	}
	n, err := strconv.Atoi(key[i+1:])
	if err != nil || n <= 0 {
		return key, 0, false
	}
	return key[:i], n, true
}
