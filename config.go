package binstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/binstore/blobstore"
	"github.com/hupe1980/binstore/internal/compress"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendMinIO  = "minio"
	BackendS3     = "s3"
)

// DefaultStorageDir is the directory of a local store without a configured
// path, relative to the data directory.
const DefaultStorageDir = "binaries"

// ByteSize is a byte count that unmarshals from "100MB", "1.5 GiB" or a
// plain number.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := ParseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = n
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

func (b ByteSize) String() string {
	if b < 0 {
		return fmt.Sprintf("%d", int64(b))
	}
	return humanize.IBytes(uint64(b))
}

// ParseByteSize parses a humanized byte count.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("%w: negative size %q", ErrInvalidConfig, s)
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid size %q: %v", ErrInvalidConfig, s, err)
	}
	return ByteSize(n), nil
}

// Config describes the blob stores of a process.
type Config struct {
	// DataDir is the root of relative store paths. Defaults to
	// DefaultDataDir().
	DataDir string `yaml:"dataDir"`
	// Stores are opened in order.
	Stores []StoreConfig `yaml:"stores"`
}

// StoreConfig describes one store and its optional cache and transaction
// layers.
type StoreConfig struct {
	Name string `yaml:"name"`
	// Backend is one of memory, local, minio or s3. Defaults to local.
	Backend string `yaml:"backend"`
	// Path is the directory of a local store: absolute, or relative to
	// DataDir. Defaults to DefaultStorageDir.
	Path string `yaml:"path"`
	// Namespace partitions stores sharing a data directory: the last path
	// element gets the suffix "_<namespace>".
	Namespace     string                       `yaml:"namespace"`
	KeyStrategy   blobstore.KeyStrategyConfig  `yaml:"keyStrategy"`
	PathStrategy  blobstore.PathStrategyConfig `yaml:"pathStrategy"`
	GCGracePeriod time.Duration                `yaml:"gcGracePeriod"`

	Memory        *MemoryConfig        `yaml:"memory,omitempty"`
	S3            *S3Config            `yaml:"s3,omitempty"`
	MinIO         *MinIOConfig         `yaml:"minio,omitempty"`
	Caching       *CachingConfig       `yaml:"caching,omitempty"`
	Transactional *TransactionalConfig `yaml:"transactional,omitempty"`
	Resource      *ResourceConfig      `yaml:"resource,omitempty"`
}

// MemoryConfig configures the memory backend.
type MemoryConfig struct {
	// Compression is none, lz4 or zstd.
	Compression string `yaml:"compression"`
	// MaxSize bounds the bytes held in memory. Zero is unbounded.
	MaxSize ByteSize `yaml:"maxSize"`
}

// S3Config configures the s3 backend.
type S3Config struct {
	Bucket       string   `yaml:"bucket"`
	Prefix       string   `yaml:"prefix"`
	Region       string   `yaml:"region"`
	Endpoint     string   `yaml:"endpoint"`
	UsePathStyle bool     `yaml:"usePathStyle"`
	PartSize     ByteSize `yaml:"partSize"`
	Concurrency  int      `yaml:"concurrency"`
}

// MinIOConfig configures the minio backend.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Secure    bool   `yaml:"secure"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	// CreateBucket creates the bucket when it does not exist.
	CreateBucket bool `yaml:"createBucket"`
}

// CachingConfig puts a disk cache in front of the backend.
type CachingConfig struct {
	// Dir is absolute or relative to DataDir. Defaults to
	// "cache_<store name>".
	Dir              string        `yaml:"dir"`
	MaxSize          ByteSize      `yaml:"maxSize"`
	MaxCount         int           `yaml:"maxCount"`
	MinAge           time.Duration `yaml:"minAge"`
	EvictionInterval time.Duration `yaml:"evictionInterval"`
	// InvalidationTable names a DynamoDB table shared by caches in other
	// processes. Empty uses the process-wide registry.
	InvalidationTable string `yaml:"invalidationTable"`
}

// TransactionalConfig stages writes of transactions.
type TransactionalConfig struct {
	// Transient is "memory" (default) or "local".
	Transient string `yaml:"transient"`
	// Dir of a local transient store, absolute or relative to DataDir.
	// Defaults to "transient_<store name>".
	Dir               string `yaml:"dir"`
	CommitParallelism int    `yaml:"commitParallelism"`
}

// ResourceConfig limits concurrent transfers and bandwidth of object store
// uploads and cache fills.
type ResourceConfig struct {
	MaxConcurrentTransfers int64    `yaml:"maxConcurrentTransfers"`
	IOLimitPerSec          ByteSize `yaml:"ioLimitPerSec"`
}

// DefaultConfig returns a single local digest store named "default".
func DefaultConfig() Config {
	return Config{
		Stores: []StoreConfig{{Name: "default", Backend: BackendLocal}},
	}
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return ParseConfig(f)
}

// ParseConfig decodes YAML configuration. Unknown fields are rejected.
func ParseConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Merge returns c overridden by other. Stores are matched by name: non-zero
// fields of other win, stores only other names are appended in order.
func (c Config) Merge(other Config) Config {
	out := Config{
		DataDir: c.DataDir,
		Stores:  slices.Clone(c.Stores),
	}
	if other.DataDir != "" {
		out.DataDir = other.DataDir
	}
	for _, s := range other.Stores {
		i := slices.IndexFunc(out.Stores, func(e StoreConfig) bool { return e.Name == s.Name })
		if i < 0 {
			out.Stores = append(out.Stores, s)
			continue
		}
		out.Stores[i] = out.Stores[i].merge(s)
	}
	return out
}

func (s StoreConfig) merge(o StoreConfig) StoreConfig {
	if o.Backend != "" {
		s.Backend = o.Backend
	}
	if o.Path != "" {
		s.Path = o.Path
	}
	if o.Namespace != "" {
		s.Namespace = o.Namespace
	}
	if o.KeyStrategy != (blobstore.KeyStrategyConfig{}) {
		s.KeyStrategy = o.KeyStrategy
	}
	if o.PathStrategy != (blobstore.PathStrategyConfig{}) {
		s.PathStrategy = o.PathStrategy
	}
	if o.GCGracePeriod != 0 {
		s.GCGracePeriod = o.GCGracePeriod
	}
	if o.Memory != nil {
		s.Memory = o.Memory
	}
	if o.S3 != nil {
		s.S3 = o.S3
	}
	if o.MinIO != nil {
		s.MinIO = o.MinIO
	}
	if o.Caching != nil {
		s.Caching = o.Caching
	}
	if o.Transactional != nil {
		s.Transactional = o.Transactional
	}
	if o.Resource != nil {
		s.Resource = o.Resource
	}
	return s
}

// Validate rejects malformed configuration before any store is opened.
func (c Config) Validate() error {
	if len(c.Stores) == 0 {
		return fmt.Errorf("%w: no stores configured", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Stores))
	for i, s := range c.Stores {
		if s.Name == "" {
			return fmt.Errorf("%w: store %d has no name", ErrInvalidConfig, i)
		}
		if strings.Contains(s.Name, ":") {
			return fmt.Errorf("%w: store name %q contains ':'", ErrInvalidConfig, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate store %q", ErrInvalidConfig, s.Name)
		}
		seen[s.Name] = true
		if err := s.validate(); err != nil {
			return fmt.Errorf("store %q: %w", s.Name, err)
		}
	}
	return nil
}

func (s StoreConfig) validate() error {
	if _, err := blobstore.NewKeyStrategy(s.KeyStrategy); err != nil {
		return err
	}
	switch s.backend() {
	case BackendMemory:
		if s.Memory != nil {
			if _, err := compress.ParseType(s.Memory.Compression); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
			}
		}
	case BackendLocal:
		if _, err := blobstore.NewPathStrategy(".", s.PathStrategy); err != nil {
			return err
		}
	case BackendS3:
		if s.S3 == nil || s.S3.Bucket == "" {
			return fmt.Errorf("%w: s3 backend needs a bucket", ErrInvalidConfig)
		}
		if s.S3.Concurrency < 0 {
			return fmt.Errorf("%w: negative upload concurrency", ErrInvalidConfig)
		}
	case BackendMinIO:
		if s.MinIO == nil || s.MinIO.Bucket == "" || s.MinIO.Endpoint == "" {
			return fmt.Errorf("%w: minio backend needs an endpoint and a bucket", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, s.Backend)
	}
	if c := s.Caching; c != nil {
		if c.MaxCount < 0 || c.MinAge < 0 || c.EvictionInterval < 0 {
			return fmt.Errorf("%w: negative cache limit", ErrInvalidConfig)
		}
	}
	if t := s.Transactional; t != nil {
		switch t.Transient {
		case "", BackendMemory, BackendLocal:
		default:
			return fmt.Errorf("%w: unknown transient store %q", ErrInvalidConfig, t.Transient)
		}
		if t.CommitParallelism < 0 {
			return fmt.Errorf("%w: negative commit parallelism", ErrInvalidConfig)
		}
	}
	if r := s.Resource; r != nil && r.MaxConcurrentTransfers < 0 {
		return fmt.Errorf("%w: negative transfer limit", ErrInvalidConfig)
	}
	return nil
}

func (s StoreConfig) backend() string {
	if s.Backend == "" {
		return BackendLocal
	}
	return strings.ToLower(s.Backend)
}

// DefaultDataDir returns $XDG_DATA_HOME/binstore, falling back to
// ~/.local/share/binstore.
func DefaultDataDir() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "binstore"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "binstore"), nil
}

// ResolveStorageDir returns the directory of a store. An absolute
// configured path is used as is. A relative one is joined to dataDir and
// cleaned; ".." segments are accepted while the result stays under dataDir.
// An empty path resolves to dataDir/DefaultStorageDir. A namespace appends
// "_<namespace>" to the last path element.
func ResolveStorageDir(dataDir, configured, namespace string) (string, error) {
	if strings.ContainsAny(namespace, `/\`) || namespace == "." || namespace == ".." {
		return "", fmt.Errorf("%w: invalid namespace %q", ErrInvalidConfig, namespace)
	}
	var dir string
	switch {
	case filepath.IsAbs(configured):
		dir = filepath.Clean(configured)
	default:
		if dataDir == "" {
			return "", fmt.Errorf("%w: relative path %q needs a data directory", ErrInvalidConfig, configured)
		}
		root, err := filepath.Abs(dataDir)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if configured == "" {
			configured = DefaultStorageDir
		}
		dir = filepath.Join(root, configured)
		rel, err := filepath.Rel(root, dir)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: path %q escapes data directory %s", ErrInvalidConfig, configured, root)
		}
	}
	if namespace != "" {
		dir += "_" + namespace
	}
	return dir, nil
}
