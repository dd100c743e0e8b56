package blobstore

import (
	"crypto/md5"  //nolint:gosec // MD5 is a content address, not a security boundary
	"crypto/sha1" //nolint:gosec // idem
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

// DigestAlgorithm is a content digest usable as a key. The hex digest
// length and alphabet are fixed per algorithm.
type DigestAlgorithm struct {
	name    string
	newHash func() hash.Hash
	pattern *regexp.Regexp
	hexLen  int
}

func newDigestAlgorithm(name string, size int, newHash func() hash.Hash) *DigestAlgorithm {
	return &DigestAlgorithm{
		name:    name,
		newHash: newHash,
		pattern: regexp.MustCompile(fmt.Sprintf("^[0-9a-f]{%d}$", size*2)),
		hexLen:  size * 2,
	}
}

var (
	MD5    = newDigestAlgorithm("MD5", md5.Size, md5.New)
	SHA1   = newDigestAlgorithm("SHA-1", sha1.Size, sha1.New)
	SHA256 = newDigestAlgorithm("SHA-256", sha256.Size, sha256.New)
	SHA512 = newDigestAlgorithm("SHA-512", sha512.Size, sha512.New)
	BLAKE3 = newDigestAlgorithm("BLAKE3", 32, func() hash.Hash { return blake3.New() })
)

// DefaultDigest is the algorithm used when none is configured.
var DefaultDigest = MD5

var digestAlgorithms = map[string]*DigestAlgorithm{
	"MD5":    MD5,
	"SHA1":   SHA1,
	"SHA256": SHA256,
	"SHA512": SHA512,
	"BLAKE3": BLAKE3,
}

func canonicalDigestName(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	return strings.NewReplacer("-", "", "_", "").Replace(name)
}

// LookupDigest returns the algorithm registered under name. Matching ignores
// case and dashes ("sha256" and "SHA-256" are the same algorithm). An empty
// name selects DefaultDigest.
func LookupDigest(name string) (*DigestAlgorithm, error) {
	if name == "" {
		return DefaultDigest, nil
	}
	a, ok := digestAlgorithms[canonicalDigestName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDigest, name)
	}
	return a, nil
}

// Name returns the canonical algorithm name (e.g. "SHA-256").
func (a *DigestAlgorithm) Name() string { return a.name }

// New returns a fresh hash for this algorithm.
func (a *DigestAlgorithm) New() hash.Hash { return a.newHash() }

// HexLen is the length of a hex digest.
func (a *DigestAlgorithm) HexLen() int { return a.hexLen }

// Pattern returns the validation pattern of a hex digest.
func (a *DigestAlgorithm) Pattern() string { return a.pattern.String() }

// IsValidDigest reports whether s could be a digest of this algorithm.
// It is a pure syntax check.
func (a *DigestAlgorithm) IsValidDigest(s string) bool {
	return len(s) == a.hexLen && a.pattern.MatchString(s)
}

// Sum streams r through the hash and returns the hex digest and byte count.
func (a *DigestAlgorithm) Sum(r io.Reader) (string, int64, error) {
	h := a.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// SumBytes returns the hex digest of data.
func (a *DigestAlgorithm) SumBytes(data []byte) string {
	h := a.New()
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *DigestAlgorithm) String() string { return a.name }
