package tenancy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/gosuda/tenantd/internal/domain"
	"github.com/gosuda/tenantd/internal/metrics"
)

// TenantPoolFactory opens a dedicated pool whose connections default to
// schema.
type TenantPoolFactory func(ctx context.Context, slug, schema string) (Pool, error)

// SchemaName maps a tenant slug to its dedicated schema.
func SchemaName(slug string) string {
	return "tenant_" + strings.ReplaceAll(slug, "-", "_")
}

// tenantPools caches one pool per slug. Entries are evicted when the cache is
// full or a pool sits unused for the idle timeout; evicted pools are closed
// in the background.
//
// Cache writes happen under mu. Evictions can fire from the cache's own
// expiry goroutine without mu, so an entry is retired at most once through
// its evicted flag and a retired entry is never handed out.
type tenantPools struct {
	factory TenantPoolFactory
	metrics *metrics.Metrics
	cache   *expirable.LRU[string, *tenantPoolEntry]
	group   singleflight.Group

	mu     sync.Mutex
	closed bool
	open   atomic.Int64
	wg     sync.WaitGroup
}

type tenantPoolEntry struct {
	pool    Pool
	evicted atomic.Bool
}

func newTenantPools(factory TenantPoolFactory, size int, idle time.Duration, m *metrics.Metrics) *tenantPools {
	tp := &tenantPools{factory: factory, metrics: m}
	tp.cache = expirable.NewLRU[string, *tenantPoolEntry](size, tp.onEvict, idle)
	return tp
}

func (tp *tenantPools) get(ctx context.Context, slug string) (Pool, error) {
	if err := domain.ValidateSlug(slug); err != nil {
		return nil, err
	}

	if pool, ok, err := tp.renew(slug); ok || err != nil {
		return pool, err
	}

	v, err, _ := tp.group.Do(slug, func() (any, error) {
		// A flight that finished between our miss and this call has
		// already cached the pool.
		if pool, ok, err := tp.renew(slug); ok || err != nil {
			return pool, err
		}

		pool, err := tp.factory(context.WithoutCancel(ctx), slug, SchemaName(slug))
		if err != nil {
			return nil, fmt.Errorf("create pool for %q: %w", slug, err)
		}

		tp.mu.Lock()
		defer tp.mu.Unlock()
		if tp.closed {
			pool.Close()
			return nil, ErrPoolClosed
		}
		// Replaces a retired entry for slug, if any, without a callback.
		tp.cache.Add(slug, &tenantPoolEntry{pool: pool})
		tp.metrics.SetTenantPools(int(tp.open.Add(1)))
		log.Info().Str("slug", slug).Msg("tenancy.TenantPool: opened dedicated pool")

		return pool, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(Pool), nil
}

// renew returns the live cached pool for slug and restarts its idle deadline.
func (tp *tenantPools) renew(slug string) (Pool, bool, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.closed {
		return nil, false, ErrPoolClosed
	}

	e, ok := tp.cache.Peek(slug)
	if !ok || e.evicted.Load() {
		return nil, false, nil
	}
	tp.cache.Add(slug, e)
	// The expiry goroutine may have retired e between Peek and Add.
	if e.evicted.Load() {
		return nil, false, nil
	}

	return e.pool, true, nil
}

// onEvict runs under the cache lock, so it must not call back into the cache
// or take mu.
func (tp *tenantPools) onEvict(slug string, e *tenantPoolEntry) {
	if !e.evicted.CompareAndSwap(false, true) {
		return
	}
	tp.metrics.SetTenantPools(int(tp.open.Add(-1)))
	tp.wg.Add(1)
	go func() {
		defer tp.wg.Done()
		e.pool.Close()
		log.Info().Str("slug", slug).Msg("tenancy.TenantPool: closed dedicated pool")
	}()
}

// len counts live pools. Retired entries can linger in the cache until the
// next lookup for their slug replaces them.
func (tp *tenantPools) len() int {
	return int(tp.open.Load())
}

// close evicts every pool and waits for them to finish closing.
func (tp *tenantPools) close() {
	tp.mu.Lock()
	tp.closed = true
	tp.cache.Purge()
	tp.mu.Unlock()

	tp.wg.Wait()
}
