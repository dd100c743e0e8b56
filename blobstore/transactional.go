package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultCommitParallelism bounds concurrent promotions during a commit.
const DefaultCommitParallelism = 8

// TxOption configures a TransactionalStore.
type TxOption func(*TransactionalStore)

// WithCommitParallelism sets how many staged blobs a commit promotes at once.
func WithCommitParallelism(n int) TxOption {
	return func(ts *TransactionalStore) {
		if n > 0 {
			ts.parallelism = n
		}
	}
}

// WithTxLogger sets the logger of a TransactionalStore.
func WithTxLogger(l *slog.Logger) TxOption {
	return func(ts *TransactionalStore) {
		if l != nil {
			ts.logger = l
		}
	}
}

// WithTxName sets the store name. Defaults to "tx(<store name>)".
func WithTxName(name string) TxOption {
	return func(ts *TransactionalStore) { ts.name = name }
}

// TransactionalStore stages the writes of a transaction in a transient store
// and promotes them to the final store on commit.
//
// The transaction travels in the context returned by Begin. Calls with a
// context that carries no transaction go straight to the final store.
// Inside a transaction, reads see the transaction's own writes and deletes
// first. A non-digest key is owned by at most one open transaction.
type TransactionalStore struct {
	store       BlobStore
	transient   BlobStore
	name        string
	parallelism int
	logger      *slog.Logger

	mu     sync.Mutex
	owners map[string]*Transaction
	// refs counts open transactions that staged a transient key. Digest
	// keys may be staged by several transactions at once.
	refs map[string]int
}

// NewTransactionalStore wraps store, staging transactional writes in
// transient. Both stores must use the same key strategy.
func NewTransactionalStore(store, transient BlobStore, opts ...TxOption) (*TransactionalStore, error) {
	if store == nil || transient == nil {
		return nil, fmt.Errorf("%w: transactional store needs a store and a transient store", ErrInvalidConfig)
	}
	if !SameKeyStrategy(store.KeyStrategy(), transient.KeyStrategy()) {
		return nil, fmt.Errorf("%w: transient key strategy %s differs from %s",
			ErrInvalidConfig, transient.KeyStrategy(), store.KeyStrategy())
	}
	ts := &TransactionalStore{
		store:       store,
		transient:   transient,
		name:        "tx(" + store.Name() + ")",
		parallelism: DefaultCommitParallelism,
		logger:      slog.New(slog.DiscardHandler),
		owners:      make(map[string]*Transaction),
		refs:        make(map[string]int),
	}
	for _, opt := range opts {
		opt(ts)
	}
	return ts, nil
}

// Transaction is a unit of staged writes and deletes.
type Transaction struct {
	id string
	ts *TransactionalStore

	mu      sync.Mutex
	staged  map[string]string // transient key -> xpath
	direct  []string          // versions written to the final store
	deleted map[string]struct{}
	owned   []string
	done    bool
}

type txContextKey struct{ ts *TransactionalStore }

// Begin starts a transaction and returns a context carrying it. If ctx
// already carries a transaction of this store, that transaction is returned.
func (ts *TransactionalStore) Begin(ctx context.Context) (context.Context, *Transaction) {
	if tx := ts.TransactionFrom(ctx); tx != nil {
		return ctx, tx
	}
	tx := &Transaction{
		id:      uuid.NewString(),
		ts:      ts,
		staged:  make(map[string]string),
		deleted: make(map[string]struct{}),
	}
	ts.logger.Debug("transaction begin", "tx", tx.id)
	return context.WithValue(ctx, txContextKey{ts}, tx), tx
}

// TransactionFrom returns the open transaction of this store carried by
// ctx, or nil.
func (ts *TransactionalStore) TransactionFrom(ctx context.Context) *Transaction {
	tx, _ := ctx.Value(txContextKey{ts}).(*Transaction)
	if tx == nil {
		return nil
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil
	}
	return tx
}

func (ts *TransactionalStore) Name() string             { return ts.name }
func (ts *TransactionalStore) KeyStrategy() KeyStrategy { return ts.store.KeyStrategy() }
func (ts *TransactionalStore) HasVersioning() bool      { return ts.store.HasVersioning() }

// Unwrap returns the final store.
func (ts *TransactionalStore) Unwrap() BlobStore { return ts.store }

// Transient returns the staging store.
func (ts *TransactionalStore) Transient() BlobStore { return ts.transient }

// claim makes tx the owner of key.
func (ts *TransactionalStore) claim(tx *Transaction, key, xpath string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	switch owner := ts.owners[key]; owner {
	case nil:
		ts.owners[key] = tx
		tx.owned = append(tx.owned, key)
		return nil
	case tx:
		return nil
	default:
		return &ConcurrentUpdateError{Key: key, XPath: xpath}
	}
}

func (ts *TransactionalStore) ref(key string) {
	ts.mu.Lock()
	ts.refs[key]++
	ts.mu.Unlock()
}

// unref drops one reference to a staged key and reports whether it was the
// last one.
func (ts *TransactionalStore) unref(key string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := ts.refs[key] - 1
	if n > 0 {
		ts.refs[key] = n
		return false
	}
	delete(ts.refs, key)
	return true
}

func (ts *TransactionalStore) ownsKeys() bool {
	return !ts.store.KeyStrategy().UseDeDuplication()
}

func (ts *TransactionalStore) WriteBlob(ctx context.Context, bc BlobContext) (string, error) {
	tx := ts.TransactionFrom(ctx)
	if tx == nil {
		return ts.store.WriteBlob(ctx, bc)
	}

	// Every version is a new key, so versions go straight to the final
	// store and are removed again on rollback.
	if ts.store.HasVersioning() {
		key, err := ts.store.WriteBlob(ctx, bc)
		if err != nil {
			return "", err
		}
		tx.mu.Lock()
		tx.direct = append(tx.direct, key)
		tx.mu.Unlock()
		return key, nil
	}

	if ts.ownsKeys() {
		if err := ts.claim(tx, bc.ID, bc.XPath); err != nil {
			return "", err
		}
	}

	key, err := ts.transient.WriteBlob(ctx, bc)
	if err != nil {
		return "", err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if _, ok := tx.staged[key]; !ok {
		ts.ref(key)
	}
	tx.staged[key] = bc.XPath
	delete(tx.deleted, key)
	return key, nil
}

// tier returns the store answering reads of key inside tx, or nil if tx
// deleted key.
func (tx *Transaction) tier(key string) BlobStore {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if _, ok := tx.deleted[key]; ok {
		return nil
	}
	if _, ok := tx.staged[key]; ok {
		return tx.ts.transient
	}
	return tx.ts.store
}

func (ts *TransactionalStore) readTier(ctx context.Context, key string) BlobStore {
	if tx := ts.TransactionFrom(ctx); tx != nil {
		return tx.tier(key)
	}
	return ts.store
}

func (ts *TransactionalStore) ReadBlob(ctx context.Context, key, dest string) (bool, error) {
	s := ts.readTier(ctx, key)
	if s == nil {
		return false, nil
	}
	return s.ReadBlob(ctx, key, dest)
}

func (ts *TransactionalStore) GetStream(ctx context.Context, key string) (Lookup[io.ReadCloser], error) {
	s := ts.readTier(ctx, key)
	if s == nil {
		return NotFound[io.ReadCloser](), nil
	}
	return s.GetStream(ctx, key)
}

func (ts *TransactionalStore) GetFile(ctx context.Context, key string) (Lookup[string], error) {
	s := ts.readTier(ctx, key)
	if s == nil {
		return NotFound[string](), nil
	}
	return s.GetFile(ctx, key)
}

func (ts *TransactionalStore) Exists(ctx context.Context, key string) (bool, error) {
	s := ts.readTier(ctx, key)
	if s == nil {
		return false, nil
	}
	return s.Exists(ctx, key)
}

func (ts *TransactionalStore) DeleteBlob(ctx context.Context, key string) error {
	tx := ts.TransactionFrom(ctx)
	if tx == nil {
		return ts.store.DeleteBlob(ctx, key)
	}
	if ts.ownsKeys() {
		id := key
		if base, _, ok := SplitVersion(key); ok && ts.store.HasVersioning() {
			id = base
		}
		if err := ts.claim(tx, id, ""); err != nil {
			return err
		}
	}

	tx.mu.Lock()
	_, wasStaged := tx.staged[key]
	delete(tx.staged, key)
	tx.deleted[key] = struct{}{}
	tx.mu.Unlock()

	if wasStaged && ts.unref(key) {
		return ts.transient.DeleteBlob(ctx, key)
	}
	return nil
}

// CopyBlob is not available inside a transaction: staged content has no
// stable identity until commit.
func (ts *TransactionalStore) CopyBlob(ctx context.Context, key string, source BlobStore, sourceKey string, atomicMove bool) (bool, error) {
	if ts.TransactionFrom(ctx) != nil {
		return false, fmt.Errorf("%w: copy inside a transaction", ErrUnsupported)
	}
	if source == BlobStore(ts) {
		source = ts.store
	}
	return ts.store.CopyBlob(ctx, key, source, sourceKey, atomicMove)
}

// GarbageCollector returns the collector of the final store.
func (ts *TransactionalStore) GarbageCollector() BinaryGarbageCollector {
	return ts.store.GarbageCollector()
}

// ID returns the transaction id used in logs.
func (tx *Transaction) ID() string { return tx.id }

// finish marks tx done and returns its staged state.
func (tx *Transaction) finish() (map[string]string, []string, map[string]struct{}, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, nil, nil, ErrTransactionDone
	}
	tx.done = true
	return tx.staged, tx.direct, tx.deleted, nil
}

func (tx *Transaction) releaseOwnership() {
	ts := tx.ts
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, k := range tx.owned {
		if ts.owners[k] == tx {
			delete(ts.owners, k)
		}
	}
}

// Commit promotes staged blobs into the final store and applies deletes.
// Staged blobs that could not be promoted are discarded.
func (tx *Transaction) Commit(ctx context.Context) error {
	staged, _, deleted, err := tx.finish()
	if err != nil {
		return err
	}
	ts := tx.ts
	defer tx.releaseOwnership()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ts.parallelism)
	for key := range staged {
		g.Go(func() error {
			last := ts.unref(key)
			ok, err := ts.store.CopyBlob(gctx, key, ts.transient, key, last)
			if err != nil {
				if last {
					_ = ts.transient.DeleteBlob(context.WithoutCancel(ctx), key)
				}
				return err
			}
			if !ok {
				return storageErr("commit", key, errors.New("staged blob missing from transient store"))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		ts.logger.Warn("transaction commit failed", "tx", tx.id, "error", err)
		return err
	}

	for key := range deleted {
		if err := ts.store.DeleteBlob(ctx, key); err != nil {
			return err
		}
	}
	ts.logger.Debug("transaction commit", "tx", tx.id, "promoted", len(staged), "deleted", len(deleted))
	return nil
}

// Rollback discards staged blobs and versions written by the transaction.
func (tx *Transaction) Rollback(ctx context.Context) error {
	staged, direct, _, err := tx.finish()
	if err != nil {
		return err
	}
	ts := tx.ts
	defer tx.releaseOwnership()

	var errs []error
	for key := range staged {
		if ts.unref(key) {
			errs = append(errs, ts.transient.DeleteBlob(ctx, key))
		}
	}
	for _, key := range direct {
		errs = append(errs, ts.store.DeleteBlob(ctx, key))
	}
	ts.logger.Debug("transaction rollback", "tx", tx.id, "discarded", len(staged)+len(direct))
	return errors.Join(errs...)
}
