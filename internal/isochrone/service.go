// Package isochrone ties request validation, the payload cache, the CMD
// client and the table parser into one retrieval call.
package isochrone

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"isochrone/internal/cache"
	"isochrone/internal/errs"
	"isochrone/internal/logger"
	"isochrone/internal/params"
	"isochrone/internal/remote"
	"isochrone/internal/table"
)

// Fetcher retrieves the raw payload for a validated request.
type Fetcher interface {
	Fetch(ctx context.Context, set *params.Set) ([]byte, error)
}

// Store persists payloads by fingerprint. A miss is (nil, false, nil).
type Store interface {
	Lookup(fp string) ([]byte, bool, error)
	Put(fp string, payload []byte) error
	Evict(fp string) error
}

type Service struct {
	store   Store
	fetcher Fetcher
	domain  *params.Domain
	log     zerolog.Logger

	inflight    singleflight.Group
	stats       *statsCollector
	concurrency int

	closers []io.Closer
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

// WithDomain validates GetIsochrone input against d instead of the embedded
// schema.
func WithDomain(d *params.Domain) Option { return func(s *Service) { s.domain = d } }

// WithConcurrency bounds how many requests GetMany runs at once.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// withCloser hands ownership of c to the Service.
func withCloser(c io.Closer) Option {
	return func(s *Service) { s.closers = append(s.closers, c) }
}

func New(store Store, fetcher Fetcher, opts ...Option) *Service {
	s := &Service{
		store:       store,
		fetcher:     fetcher,
		log:         zerolog.Nop(),
		stats:       newStatsCollector(),
		concurrency: 4,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewFromConfig opens the leveldb cache and the CMD client described by cfg.
// The Service owns the cache; call Close when done.
func NewFromConfig(cfg Config) (*Service, error) {
	log := logger.New(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	store, err := cache.Open(cfg.Cache.Dir,
		cache.WithRAM(cfg.RAMMax()),
		cache.WithLogger(logger.Named(log, "cache")),
	)
	if err != nil {
		return nil, err
	}

	client := remote.New(
		remote.WithBaseURL(cfg.Remote.BaseURL),
		remote.WithHTTPClient(&http.Client{Timeout: cfg.Timeout()}),
		remote.WithMinInterval(cfg.MinInterval()),
		remote.WithLogger(logger.Named(log, "remote")),
	)

	return New(store, client,
		WithLogger(logger.Named(log, "isochrone")),
		WithConcurrency(cfg.Batch.Concurrency),
		withCloser(store),
	), nil
}

// Close releases resources the Service owns.
func (s *Service) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// GetIsochrone validates f and returns its tables. Validation runs before any
// cache or network access.
func (s *Service) GetIsochrone(ctx context.Context, f params.Fields) ([]*table.Table, error) {
	set, err := s.build(f)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, set)
}

// Get returns the tables for an already validated set. Errors from the cache,
// fetcher and parser are returned as they are.
func (s *Service) Get(ctx context.Context, set *params.Set) ([]*table.Table, error) {
	payload, err := s.payload(ctx, set)
	if err != nil {
		return nil, err
	}
	s.stats.observe(len(payload))

	tables, err := table.Parse(payload, set)
	if err != nil {
		s.log.Warn().Str("fp", set.Fingerprint()).Err(err).Msg("payload did not parse")
		return nil, err
	}
	s.log.Debug().Str("fp", set.Fingerprint()).Int("tables", len(tables)).Msg("parsed")
	return tables, nil
}

// GetMany fetches every request concurrently. Results keep the input order;
// the first failure cancels the rest and is returned.
func (s *Service) GetMany(ctx context.Context, fs []params.Fields) ([][]*table.Table, error) {
	sets := make([]*params.Set, len(fs))
	for i, f := range fs {
		set, err := s.build(f)
		if err != nil {
			return nil, err
		}
		sets[i] = set
	}

	out := make([][]*table.Table, len(sets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, set := range sets {
		i, set := i, set
		g.Go(func() error {
			tables, err := s.Get(gctx, set)
			if err != nil {
				return err
			}
			out[i] = tables
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Refresh drops any cached payload for set and retrieves it again. It is the
// way out of a cached payload that no longer parses.
func (s *Service) Refresh(ctx context.Context, set *params.Set) ([]*table.Table, error) {
	if err := s.store.Evict(set.Fingerprint()); err != nil {
		return nil, err
	}
	s.log.Info().Str("fp", set.Fingerprint()).Msg("cache entry evicted for refresh")
	return s.Get(ctx, set)
}

func (s *Service) Stats() Stats { return s.stats.snapshot() }

func (s *Service) build(f params.Fields) (*params.Set, error) {
	if s.domain != nil {
		return s.domain.Build(f)
	}
	return params.FromFields(f)
}

// payload resolves set to raw bytes. Concurrent callers with one fingerprint
// share a single lookup and fetch. The shared work is detached from every
// caller's cancellation and is bounded by the fetcher's own timeout; each
// caller stops waiting when its own ctx ends.
func (s *Service) payload(ctx context.Context, set *params.Set) ([]byte, error) {
	fp := set.Fingerprint()
	shared := context.WithoutCancel(ctx)
	ch := s.inflight.DoChan(fp, func() (any, error) {
		return s.resolve(shared, set)
	})
	select {
	case res := <-ch:
		if res.Shared {
			s.stats.shared.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
}

// ctxErr reports a caller that gave up waiting as a fetch failure, flagged as
// a timeout when its deadline passed.
func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Timeout("isochrone.get", err)
	}
	return errs.Fetch("isochrone.get", err)
}

func (s *Service) resolve(ctx context.Context, set *params.Set) ([]byte, error) {
	fp := set.Fingerprint()

	b, ok, err := s.store.Lookup(fp)
	if err != nil {
		return nil, err
	}
	if ok {
		s.stats.hits.Add(1)
		s.log.Debug().Str("fp", fp).Msg("cache hit")
		return b, nil
	}
	s.stats.misses.Add(1)

	s.log.Info().Str("fp", fp).Str("kind", string(set.Kind())).Int("isochrones", set.Len()).Msg("cache miss, fetching")
	start := time.Now()
	s.stats.fetches.Add(1)
	b, err = s.fetcher.Fetch(ctx, set)
	if err != nil {
		s.stats.failures.Add(1)
		s.log.Warn().Str("fp", fp).Err(err).Dur("took", time.Since(start)).Msg("fetch failed")
		return nil, err
	}
	s.log.Info().Str("fp", fp).Int("bytes", len(b)).Dur("took", time.Since(start)).Msg("fetched")

	if err := s.store.Put(fp, b); err != nil {
		return nil, err
	}
	return b, nil
}
