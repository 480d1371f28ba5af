// Package dbpool defines the external Database/Pool collaborator contract
// (see spec §6) and the in-process pool registry (component C) that tracks
// one pool per pool key: either the literal "global", shared across
// sessions in the weak auth modes, or a token value in the required auth
// mode.
package dbpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// GlobalKey is the well-known pool key shared across sessions in the
// "token" and "none" auth modes.
const GlobalKey = "global"

// DatabaseConfig is the immutable bundle of connection parameters used to
// open a Pool. Passwords must never be logged; see internal/logctx.Redact.
type DatabaseConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	Database      string
	Schema        string
	DriverOptions map[string]string
}

// Rows is the generic result-set shape returned by Pool.Execute. Concrete
// dialect handling (column typing, truncation, post-processing) is the
// ProtocolServer's concern, not this package's.
type Rows struct {
	Columns []string
	Rows    [][]any
}

// Pool is a live handle to a database, opened for one pool key.
type Pool interface {
	Execute(ctx context.Context, sql string, params []any) (*Rows, error)
	Probe(ctx context.Context) bool
	Close() error
}

// Database opens Pools from a DatabaseConfig. Implementations own the
// concrete SQL dialect, driver selection and connection management; this
// package only depends on the contract.
type Database interface {
	OpenPool(ctx context.Context, cfg DatabaseConfig) (Pool, error)
}

// Registry is the per-process map of pool-key to live Pool. A pool is
// forgotten before it is closed, so the registry closes each pool at most
// once. The "global" pool is closed by Close(GlobalKey) or CloseAll; callers
// must not call Close(GlobalKey) while any session uses it.
type Registry struct {
	mu     sync.Mutex
	db     Database
	log    *slog.Logger
	global Pool
	pools  map[string]Pool
}

// New constructs a Registry that builds pools via db.
func New(db Database, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{db: db, log: log, pools: make(map[string]Pool)}
}

// Ensure builds and stores a pool for key if one does not already exist. It
// is idempotent: a second call with the same key is a no-op even if cfg
// differs, matching the documented "create-if-absent" contract.
func (r *Registry) Ensure(ctx context.Context, key string, cfg DatabaseConfig) error {
	r.mu.Lock()
	if key == GlobalKey {
		if r.global != nil {
			r.mu.Unlock()
			return nil
		}
	} else if _, ok := r.pools[key]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	// Pool construction is I/O and must not hold the registry lock (§9
	// suspension-to-mutation boundary pattern).
	pool, err := r.db.OpenPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("dbpool: open pool for key %q: %w", key, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if key == GlobalKey {
		if r.global != nil {
			// Lost the race; drop the pool we just opened.
			go pool.Close()
			return nil
		}
		r.global = pool
		return nil
	}
	if _, ok := r.pools[key]; ok {
		go pool.Close()
		return nil
	}
	r.pools[key] = pool
	return nil
}

// Close closes and forgets the pool for key. A missing key is a no-op.
// Errors closing the underlying pool are logged and swallowed so the
// registry never retries against a broken connection.
func (r *Registry) Close(key string) {
	r.mu.Lock()
	var pool Pool
	if key == GlobalKey {
		pool = r.global
		r.global = nil
	} else {
		pool = r.pools[key]
		delete(r.pools, key)
	}
	r.mu.Unlock()

	if pool == nil {
		return
	}
	if err := pool.Close(); err != nil {
		r.log.Warn("dbpool.close.fail", slog.String("key", key), slog.String("err", err.Error()))
	}
}

// CloseAll closes every pool, including "global", ignoring individual
// failures beyond logging them. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	pools := make(map[string]Pool, len(r.pools)+1)
	for k, p := range r.pools {
		pools[k] = p
	}
	if r.global != nil {
		pools[GlobalKey] = r.global
	}
	r.pools = make(map[string]Pool)
	r.global = nil
	r.mu.Unlock()

	for key, pool := range pools {
		if err := pool.Close(); err != nil {
			r.log.Warn("dbpool.closeall.fail", slog.String("key", key), slog.String("err", err.Error()))
		}
	}
}

// Test issues the collaborator's lightweight liveness probe against the
// pool for key. It returns false if there is no pool for key.
func (r *Registry) Test(ctx context.Context, key string) bool {
	r.mu.Lock()
	var pool Pool
	if key == GlobalKey {
		pool = r.global
	} else {
		pool = r.pools[key]
	}
	r.mu.Unlock()

	if pool == nil {
		return false
	}
	return pool.Probe(ctx)
}

// Get returns the pool for key, or nil if it does not exist. Used by the
// router to obtain a live pool handle to pass to the ProtocolServer.
func (r *Registry) Get(key string) Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key == GlobalKey {
		return r.global
	}
	return r.pools[key]
}
