// Package resource implements the Controller that governs the shared resources
// of a blob store stack.
//
// The Controller manages three resource types:
//
//   - Memory: bytes held by in-memory stores (non-blocking, fail-fast)
//   - Transfers: concurrent blob transfers such as commit promotion and cache fills
//   - IO: token-bucket rate limit for transfer bandwidth
//
// # Memory
//
// AcquireMemory is non-blocking and returns ErrMemoryLimitExceeded if the
// limit would be exceeded. Callers decide whether to retry:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 256 << 20,
//	})
//	if err := rc.AcquireMemory(int64(len(data))); err != nil {
//	    return err
//	}
//
// # Transfers
//
//	if err := rc.AcquireTransfer(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseTransfer()
//
// # IO Rate Limiting
//
//	reader := resource.NewRateLimitedReader(ctx, body, rc)
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully - they become no-ops.
// This allows optional resource limiting without nil checks everywhere.
package resource
