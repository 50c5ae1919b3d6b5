// Package metadata keeps a local copy of Register accreditation statuses and
// refreshes it through the retry executor.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/l0p7/cdsgate/internal/expiring"
	"github.com/l0p7/cdsgate/internal/metrics"
	"github.com/l0p7/cdsgate/internal/registry"
	"github.com/l0p7/cdsgate/internal/retry"
)

// CacheName is the registry name of the metadata cache.
const CacheName = "metadata"

// Source fetches status listings. *registry.Client satisfies it.
type Source interface {
	Statuses(ctx context.Context, kind registry.Kind) ([]registry.StatusRecord, error)
}

// Snapshot is an immutable status map for one partition.
type Snapshot struct {
	Statuses    map[string]Status
	RefreshedAt time.Time
}

// Lookup returns the status of id.
func (s *Snapshot) Lookup(id string) (Status, bool) {
	if s == nil {
		return "", false
	}
	status, ok := s.Statuses[id]
	return status, ok
}

// Store serves statuses from the latest successfully installed snapshot of each
// partition. Readers never block on a refresh and never see a partial map.
type Store struct {
	cache   *expiring.Cache[Partition, *Snapshot]
	source  Source
	retry   *retry.Executor
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	group singleflight.Group
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(s *Store) { s.metrics = rec }
}

// NewStore builds a store backed by the metadata cache of reg.
func NewStore(reg *expiring.Registry, source Source, exec *retry.Executor, opts ...Option) (*Store, error) {
	if source == nil {
		return nil, errors.New("metadata: source required")
	}
	if exec == nil {
		exec = retry.New(0, 0)
	}
	cache, err := expiring.Named[Partition, *Snapshot](reg, CacheName)
	if err != nil {
		return nil, err
	}
	s := &Store{
		cache:  cache,
		source: source,
		retry:  exec,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "metadata"))
	return s, nil
}

// GetStatus returns the status of entityID in partition. It reports false when
// the entity is unknown or the partition has no live snapshot.
func (s *Store) GetStatus(partition Partition, entityID string) (Status, bool) {
	snap, ok := s.cache.Get(partition)
	if !ok {
		return "", false
	}
	return snap.Lookup(entityID)
}

// Snapshot returns the current snapshot of partition.
func (s *Store) Snapshot(partition Partition) (*Snapshot, bool) {
	return s.cache.Get(partition)
}

// Loaded reports whether partition currently has a live snapshot.
func (s *Store) Loaded(partition Partition) bool {
	_, ok := s.cache.Get(partition)
	return ok
}

// Refresh fetches partition from the Register, retrying per the executor, and
// installs the result. On failure the previous snapshot stays in place.
// Concurrent refreshes of one partition share a single fetch. The shared fetch
// is detached from the cancellation of whichever caller started it; a caller
// whose ctx ends stops waiting without affecting the others.
func (s *Store) Refresh(ctx context.Context, partition Partition) error {
	if _, err := ParsePartition(string(partition)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("metadata: refresh %s: %w: %w", partition, retry.ErrCancelled, err)
	}
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(string(partition), func() (any, error) {
		return nil, s.refresh(fetchCtx, partition)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("metadata: refresh %s: %w: %w", partition, retry.ErrCancelled, ctx.Err())
	}
}

// RefreshAll refreshes every partition concurrently and joins the failures.
func (s *Store) RefreshAll(ctx context.Context) error {
	errs := make([]error, len(Partitions))
	var g errgroup.Group
	for i, p := range Partitions {
		g.Go(func() error {
			errs[i] = s.Refresh(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Store) refresh(ctx context.Context, partition Partition) error {
	start := time.Now()
	records, err := retry.Execute(ctx, s.retry, func(ctx context.Context) ([]registry.StatusRecord, error) {
		return s.source.Statuses(ctx, partition.kind())
	})
	if err != nil {
		s.metrics.ObserveMetadataRefresh(string(partition), metrics.RefreshFailure, time.Since(start))
		s.logger.Error("metadata refresh failed",
			slog.String("partition", string(partition)),
			slog.Any("error", err),
		)
		return fmt.Errorf("metadata: refresh %s: %w", partition, err)
	}

	statuses := make(map[string]Status, len(records))
	for _, rec := range records {
		statuses[rec.EntityID] = ParseStatus(rec.Status)
	}
	s.cache.Put(partition, &Snapshot{Statuses: statuses, RefreshedAt: s.now().UTC()})

	s.metrics.ObserveMetadataRefresh(string(partition), metrics.RefreshSuccess, time.Since(start))
	s.metrics.SetMetadataEntries(string(partition), len(statuses))
	s.logger.Info("metadata refreshed",
		slog.String("partition", string(partition)),
		slog.Int("entries", len(statuses)),
		slog.Duration("latency", time.Since(start)),
	)
	return nil
}
