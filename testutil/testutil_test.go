package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytes(t *testing.T) {
	rng := NewRNG(4711)

	b := rng.Bytes(64)
	assert.Len(t, b, 64)
	assert.NotEqual(t, make([]byte, 64), b)
}

func TestBlobSize(t *testing.T) {
	rng := NewRNG(4711)

	for range 1000 {
		n := rng.BlobSize(10, 1000)
		assert.GreaterOrEqual(t, n, 10)
		assert.LessOrEqual(t, n, 1000)
	}
	assert.Equal(t, 5, rng.BlobSize(5, 5))
}

func TestBlobs(t *testing.T) {
	rng := NewRNG(4711)

	blobs := rng.Blobs(8, 1, 32)
	assert.Len(t, blobs, 8)
	for _, b := range blobs {
		assert.NotEmpty(t, b)
		assert.LessOrEqual(t, len(b), 32)
	}
}

func TestZipf(t *testing.T) {
	rng := NewRNG(4711)

	counts := make([]int, 10)
	for range 2000 {
		counts[rng.Zipf(10, 1.5)]++
	}
	assert.Greater(t, counts[0], counts[9])
	assert.Equal(t, 0, rng.Zipf(1, 1.5))
}

func TestReset(t *testing.T) {
	rng := NewRNG(4711)
	b1 := rng.Bytes(16)

	rng.Reset()
	b2 := rng.Bytes(16)

	assert.Equal(t, b1, b2)
	assert.Equal(t, int64(4711), rng.Seed())
}
