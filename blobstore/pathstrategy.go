package blobstore

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// PathStrategy maps keys to filesystem paths under a root directory.
//
// Mappings are deterministic and injective over valid keys. Keys that could
// resolve outside the root are rejected with an *InvalidKeyError.
type PathStrategy interface {
	// Root returns the directory holding all key paths.
	Root() string
	// PathForKey returns the path of key.
	PathForKey(key string) (string, error)
	// KeyForPath is the inverse of PathForKey. It reports false for paths
	// that are not the canonical location of any key.
	KeyForPath(path string) (string, bool)

	pathStrategy()
}

// ValidateKey rejects keys that cannot be safely mapped to a path.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return &InvalidKeyError{Key: key, Reason: "empty key"}
	case key == ".":
		return &InvalidKeyError{Key: key, Reason: "reserved name"}
	case strings.Contains(key, ".."):
		return &InvalidKeyError{Key: key, Reason: "contains '..'"}
	case strings.ContainsRune(key, 0):
		return &InvalidKeyError{Key: key, Reason: "contains NUL"}
	}
	return nil
}

// EscapeKey turns a key into a single path segment. '/' and '%' are escaped,
// so distinct keys never share a file name.
func EscapeKey(key string) string {
	return url.PathEscape(key)
}

func unescapeKey(name string) (string, bool) {
	key, err := url.PathUnescape(name)
	if err != nil || EscapeKey(key) != name {
		return "", false
	}
	return key, true
}

// within guards against any path escaping root, whatever the escaping rules.
func within(root, key, path string) error {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &InvalidKeyError{Key: key, Reason: "resolves outside storage root"}
	}
	return nil
}

// FlatPathStrategy stores every key directly under Root.
type FlatPathStrategy struct {
	root string
}

// NewFlatPathStrategy returns a flat strategy rooted at root.
func NewFlatPathStrategy(root string) *FlatPathStrategy {
	return &FlatPathStrategy{root: filepath.Clean(root)}
}

func (s *FlatPathStrategy) Root() string  { return s.root }
func (s *FlatPathStrategy) pathStrategy() {}

func (s *FlatPathStrategy) PathForKey(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	path := filepath.Join(s.root, EscapeKey(key))
	if err := within(s.root, key, path); err != nil {
		return "", err
	}
	return path, nil
}

func (s *FlatPathStrategy) KeyForPath(path string) (string, bool) {
	if filepath.Dir(path) != s.root {
		return "", false
	}
	return unescapeKey(filepath.Base(path))
}

// SubDirsPathStrategy shards keys into Depth levels of two-character
// directories taken from the (escaped) key, padding short keys with '0'.
// For digest keys this bounds directory sizes to 256 entries per level.
type SubDirsPathStrategy struct {
	root  string
	depth int
}

// DefaultSubDirsDepth is the shard depth used when none is configured.
const DefaultSubDirsDepth = 2

// NewSubDirsPathStrategy returns a sharded strategy rooted at root.
func NewSubDirsPathStrategy(root string, depth int) (*SubDirsPathStrategy, error) {
	if depth < 0 {
		return nil, fmt.Errorf("%w: negative subdirs depth %d", ErrInvalidConfig, depth)
	}
	return &SubDirsPathStrategy{root: filepath.Clean(root), depth: depth}, nil
}

func (s *SubDirsPathStrategy) Root() string  { return s.root }
func (s *SubDirsPathStrategy) Depth() int    { return s.depth }
func (s *SubDirsPathStrategy) pathStrategy() {}

func (s *SubDirsPathStrategy) shards(name string) []string {
	padded := name
	if need := 2 * s.depth; len(padded) < need {
		padded += strings.Repeat("0", need-len(padded))
	}
	parts := make([]string, 0, s.depth+2)
	parts = append(parts, s.root)
	for i := 0; i < s.depth; i++ {
		parts = append(parts, padded[2*i:2*i+2])
	}
	return parts
}

func (s *SubDirsPathStrategy) PathForKey(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	name := EscapeKey(key)
	parts := append(s.shards(name), name)
	path := filepath.Join(parts...)
	if err := within(s.root, key, path); err != nil {
		return "", err
	}
	return path, nil
}

func (s *SubDirsPathStrategy) KeyForPath(path string) (string, bool) {
	name := filepath.Base(path)
	key, ok := unescapeKey(name)
	if !ok {
		return "", false
	}
	if filepath.Dir(path) != filepath.Join(s.shards(name)...) {
		return "", false
	}
	return key, true
}

// PathStrategyConfig selects a PathStrategy from configuration.
type PathStrategyConfig struct {
	// Type is "subdirs" (default) or "flat".
	Type string `yaml:"type"`
	// Depth is the number of shard levels for "subdirs".
	Depth int `yaml:"depth"`
}

// NewPathStrategy builds the strategy described by cfg rooted at root.
func NewPathStrategy(root string, cfg PathStrategyConfig) (PathStrategy, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "subdirs":
		depth := cfg.Depth
		if depth == 0 {
			depth = DefaultSubDirsDepth
		}
		return NewSubDirsPathStrategy(root, depth)
	case "flat":
		return NewFlatPathStrategy(root), nil
	default:
		return nil, fmt.Errorf("%w: unknown path strategy %q", ErrInvalidConfig, cfg.Type)
	}
}
