package repository

import (
	"context"
	"fmt"
	"ingest-queue/internal/cache"
	"ingest-queue/internal/models"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL bounds how long a cached read may be served.
const DefaultCacheTTL = 5 * time.Minute

// CachedRepository fronts a JobRepository with read-through caches.
// Every mutation clears both caches once the write has been attempted.
// SelectDue always hits the store because its answer depends on the clock.
type CachedRepository struct {
	JobRepository
	jobs   cache.Cache[models.Job]
	counts cache.Cache[int]
	ttl    time.Duration
	group  singleflight.Group

	// gen is bumped by every invalidation; loads started before it are not stored.
	mu  sync.Mutex
	gen uint64
}

// NewCachedRepository wraps next with the given caches.
func NewCachedRepository(next JobRepository, jobs cache.Cache[models.Job], counts cache.Cache[int], ttl time.Duration) *CachedRepository {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedRepository{
		JobRepository: next,
		jobs:          jobs,
		counts:        counts,
		ttl:           ttl,
	}
}

func (r *CachedRepository) Get(ctx context.Context, id int64) (*models.Job, error) {
	return r.cachedJob(ctx, "job:"+strconv.FormatInt(id, 10), func() (*models.Job, error) {
		return r.JobRepository.Get(ctx, id)
	})
}

func (r *CachedRepository) LatestByReference(ctx context.Context, referenceID string) (*models.Job, error) {
	return r.cachedJob(ctx, "ref:"+referenceID, func() (*models.Job, error) {
		return r.JobRepository.LatestByReference(ctx, referenceID)
	})
}

func (r *CachedRepository) CountPending(ctx context.Context, maxAttempts int) (int, error) {
	key := "pending:" + strconv.Itoa(maxAttempts)
	if n, err := r.counts.Get(ctx, key); err == nil {
		return n, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		gen := r.generation()
		n, err := r.JobRepository.CountPending(ctx, maxAttempts)
		if err != nil {
			return nil, err
		}
		r.store(gen, func() { _ = r.counts.Set(ctx, key, n, r.ttl) })
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (r *CachedRepository) Insert(ctx context.Context, draft models.JobDraft) (int64, error) {
	defer r.invalidate(ctx)
	return r.JobRepository.Insert(ctx, draft)
}

func (r *CachedRepository) Update(ctx context.Context, id int64, upd models.JobUpdate) error {
	defer r.invalidate(ctx)
	return r.JobRepository.Update(ctx, id, upd)
}

func (r *CachedRepository) Claim(ctx context.Context, id int64, maxAttempts int) (*models.Job, error) {
	defer r.invalidate(ctx)
	return r.JobRepository.Claim(ctx, id, maxAttempts)
}

func (r *CachedRepository) PurgeStaleFailed(ctx context.Context, maxAge time.Duration, maxAttempts int) (int64, error) {
	defer r.invalidate(ctx)
	return r.JobRepository.PurgeStaleFailed(ctx, maxAge, maxAttempts)
}

func (r *CachedRepository) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	defer r.invalidate(ctx)
	return r.JobRepository.RequeueStale(ctx, olderThan)
}

// Close releases the caches and the wrapped repository.
func (r *CachedRepository) Close() error {
	_ = r.jobs.Close()
	_ = r.counts.Close()
	return r.JobRepository.Close()
}

func (r *CachedRepository) cachedJob(ctx context.Context, key string, load func() (*models.Job, error)) (*models.Job, error) {
	if job, err := r.jobs.Get(ctx, key); err == nil {
		return &job, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		gen := r.generation()
		job, err := load()
		if err != nil {
			return nil, err
		}
		r.store(gen, func() { _ = r.jobs.Set(ctx, key, *job, r.ttl) })
		return *job, nil
	})
	if err != nil {
		return nil, err
	}

	// Each caller gets its own copy.
	job, ok := v.(models.Job)
	if !ok {
		return nil, fmt.Errorf("unexpected cached value %T", v)
	}
	return &job, nil
}

func (r *CachedRepository) generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// store runs set only if no invalidation happened since gen was read.
func (r *CachedRepository) store(gen uint64, set func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen == gen {
		set()
	}
}

func (r *CachedRepository) invalidate(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	_ = r.jobs.Clear(ctx)
	_ = r.counts.Clear(ctx)
}

var _ JobRepository = (*CachedRepository)(nil)
