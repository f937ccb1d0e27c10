// Package propagate keeps read-views converged with the backend by
// invalidating them after every claim transaction and polling the ones that
// have an active consumer.
package propagate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/slot-claims/backend/internal/metrics"
	"github.com/slot-claims/backend/internal/storage/models"
)

// Source is the read side of the authoritative backend.
type Source interface {
	FetchApprovedClaims(ctx context.Context, resourceID string) ([]models.ClaimedItem, error)
	FetchResourceListings(ctx context.Context) ([]models.Resource, error)
	FetchClaimsList(ctx context.Context, claimantID string) ([]models.ClaimedItem, error)
}

// Sink receives refreshed data for the transient views held by the claim
// engine.
type Sink interface {
	SetClaims(claimantID string, items []models.ClaimedItem)
	SetListings(resources []models.Resource)
}

// Listener is told when a view went stale.
type Listener interface {
	ViewInvalidated(key string)
}

// Config holds polling parameters.
type Config struct {
	// BookingInterval polls booking views, which guard against double
	// booking.
	BookingInterval time.Duration
	// ListingInterval polls listings and claims lists.
	ListingInterval time.Duration
	// StalenessThreshold is the oldest cached view Get returns without
	// refetching.
	StalenessThreshold time.Duration
	// RefreshTimeout bounds one background refresh.
	RefreshTimeout time.Duration
}

// DefaultConfig returns the default polling parameters.
func DefaultConfig() Config {
	return Config{
		BookingInterval:    time.Second,
		ListingInterval:    15 * time.Second,
		StalenessThreshold: time.Second,
		RefreshTimeout:     10 * time.Second,
	}
}

type watch struct {
	refs  int
	entry cron.EntryID
}

// Propagator invalidates and refreshes dependent views.
type Propagator struct {
	source   Source
	sink     Sink
	cache    Cache
	listener Listener
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	cron  *cron.Cron
	group singleflight.Group

	mu       sync.Mutex
	watchers map[string]*watch
	stale    map[string]bool
	gen      map[string]uint64
	geoKeys  map[string]struct{}

	// publishMu orders the cache and sink writes of overlapping refreshes.
	publishMu sync.Mutex
}

// maxRefetches bounds how often one refresh restarts because the view was
// invalidated while it was loading.
const maxRefetches = 3

// Option configures a Propagator.
type Option func(*Propagator)

// WithSink sets the view store refreshed data is written to.
func WithSink(s Sink) Option {
	return func(p *Propagator) { p.sink = s }
}

// WithCache replaces the in-memory view cache.
func WithCache(c Cache) Option {
	return func(p *Propagator) { p.cache = c }
}

// WithListener sets the invalidation listener.
func WithListener(l Listener) Option {
	return func(p *Propagator) { p.listener = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Propagator) { p.logger = l }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(p *Propagator) { p.now = now }
}

// New creates a propagator reading from source.
func New(source Source, cfg Config, opts ...Option) *Propagator {
	def := DefaultConfig()
	if cfg.BookingInterval <= 0 {
		cfg.BookingInterval = def.BookingInterval
	}
	if cfg.ListingInterval <= 0 {
		cfg.ListingInterval = def.ListingInterval
	}
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = cfg.BookingInterval
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}

	p := &Propagator{
		source:   source,
		cache:    NewMemoryCache(),
		logger:   slog.Default(),
		cfg:      cfg,
		now:      time.Now,
		cron:     cron.New(cron.WithSeconds()),
		watchers: make(map[string]*watch),
		stale:    make(map[string]bool),
		gen:      make(map[string]uint64),
		geoKeys:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling watched views.
func (p *Propagator) Start() {
	p.logger.Info("starting view propagator",
		"booking_interval", p.cfg.BookingInterval,
		"listing_interval", p.cfg.ListingInterval,
	)
	p.cron.Start()
}

// Stop halts polling and waits for running refreshes.
func (p *Propagator) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
	p.logger.Info("view propagator stopped")
}

// Watch registers an active consumer of a view. Watched views are polled
// until every consumer has called Unwatch.
func (p *Propagator) Watch(key string) error {
	k, err := ParseKey(key)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.watchers[key]; ok {
		w.refs++
		return nil
	}

	interval := p.cfg.ListingInterval
	if k.safetyCritical() {
		interval = p.cfg.BookingInterval
	}
	entry, err := p.cron.AddFunc(everySpec(interval), func() {
		p.poll(key)
	})
	if err != nil {
		return fmt.Errorf("scheduling refresh of %s: %w", key, err)
	}
	p.watchers[key] = &watch{refs: 1, entry: entry}
	if k.Kind == KindGeo {
		p.geoKeys[key] = struct{}{}
	}
	p.logger.Debug("watching view", "key", key, "interval", interval)
	return nil
}

// Unwatch releases one consumer of a view.
func (p *Propagator) Unwatch(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.watchers[key]
	if !ok {
		return
	}
	w.refs--
	if w.refs > 0 {
		return
	}
	p.cron.Remove(w.entry)
	delete(p.watchers, key)
	delete(p.geoKeys, key)
	p.logger.Debug("stopped watching view", "key", key)
}

// Watching reports whether a view has an active consumer.
func (p *Propagator) Watching(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.watchers[key]
	return ok
}

// Invalidate marks views stale and refetches the watched ones in the
// background. A refresh already loading one of the views does not clear the
// mark; later readers start a new fetch instead of joining it.
func (p *Propagator) Invalidate(keys ...string) {
	if len(keys) == 0 {
		return
	}

	var watched []string
	p.mu.Lock()
	for _, k := range keys {
		p.stale[k] = true
		p.gen[k]++
		if _, ok := p.watchers[k]; ok {
			watched = append(watched, k)
		}
	}
	p.mu.Unlock()

	for _, k := range keys {
		p.group.Forget(k)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RefreshTimeout)
	if err := p.cache.Delete(ctx, keys...); err != nil {
		p.logger.Warn("failed to evict views", "keys", keys, "error", err)
	}
	cancel()

	for _, k := range keys {
		metrics.RecordInvalidation(kindLabel(k))
		if p.listener != nil {
			p.listener.ViewInvalidated(k)
		}
	}
	for _, k := range watched {
		go p.poll(k)
	}
}

// InvalidateClaim invalidates every view a claim on resourceID by
// claimantID can change.
func (p *Propagator) InvalidateClaim(resourceID, claimantID string) {
	p.Invalidate(append(p.listingKeys(), ClaimsKey(claimantID), BookingKey(resourceID))...)
}

// InvalidateListings invalidates the global listings and every watched geo
// view. Unwatched geo views age out through the staleness threshold.
func (p *Propagator) InvalidateListings() {
	p.Invalidate(p.listingKeys()...)
}

func (p *Propagator) listingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := []string{ListingsKey()}
	for k := range p.geoKeys {
		keys = append(keys, k)
	}
	return keys
}

// Get returns a view, refetching it first when it is stale, missing, or
// older than the staleness threshold.
func (p *Propagator) Get(ctx context.Context, key string) (*View, error) {
	if _, err := ParseKey(key); err != nil {
		return nil, err
	}

	p.mu.Lock()
	stale := p.stale[key]
	p.mu.Unlock()

	if !stale {
		v, ok, err := p.cache.Get(ctx, key)
		if err != nil {
			p.logger.Warn("view cache read failed", "key", key, "error", err)
		}
		if ok && p.now().Sub(v.FetchedAt) <= p.cfg.StalenessThreshold {
			return v, nil
		}
	}
	return p.Refresh(ctx, key)
}

// Refresh refetches a view now. Concurrent refreshes of one key share a
// single backend call.
func (p *Propagator) Refresh(ctx context.Context, key string) (*View, error) {
	k, err := ParseKey(key)
	if err != nil {
		return nil, err
	}

	res, err, _ := p.group.Do(key, func() (any, error) {
		return p.fetch(ctx, k)
	})
	if err != nil {
		return nil, err
	}
	v := *res.(*View)
	return &v, nil
}

func (p *Propagator) poll(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RefreshTimeout)
	defer cancel()

	if _, err := p.Refresh(ctx, key); err != nil {
		p.logger.Warn("view refresh failed", "key", key, "error", err)
	}
}

func (p *Propagator) fetch(ctx context.Context, k Key) (*View, error) {
	for attempt := 0; ; attempt++ {
		p.mu.Lock()
		gen := p.gen[k.Raw]
		p.mu.Unlock()

		view, all, err := p.load(ctx, k)
		if err != nil {
			metrics.RecordRefresh(string(k.Kind), false)
			return nil, err
		}
		if view.Degraded {
			// Listings degrade to no data and stay stale for the next poll.
			metrics.RecordRefresh(string(k.Kind), false)
			return view, nil
		}

		if p.publish(ctx, k, gen, view, all) {
			metrics.RecordRefresh(string(k.Kind), true)
			return view, nil
		}
		if attempt+1 >= maxRefetches {
			// Still stale; the next read or poll tries again.
			p.logger.Warn("view kept changing during refresh", "key", k.Raw, "attempts", attempt+1)
			return view, nil
		}
		p.logger.Debug("view invalidated during refresh, refetching", "key", k.Raw)
	}
}

// load reads one view from the source without side effects. For listing
// views it also returns the unfiltered resources.
func (p *Propagator) load(ctx context.Context, k Key) (*View, []models.Resource, error) {
	view := &View{Key: k.Raw, FetchedAt: p.now()}

	switch k.Kind {
	case KindClaims:
		items, err := p.source.FetchClaimsList(ctx, k.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("fetching claims of %s: %w", k.ID, err)
		}
		view.Claims = items
		return view, nil, nil

	case KindBooking:
		items, err := p.source.FetchApprovedClaims(ctx, k.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("fetching approved claims of %s: %w", k.ID, err)
		}
		view.Claims = items
		return view, nil, nil

	case KindListings, KindGeo:
		resources, err := p.source.FetchResourceListings(ctx)
		if err != nil {
			p.logger.Warn("listing refresh failed, serving empty view", "key", k.Raw, "error", err)
			view.Degraded = true
			view.Resources = []models.Resource{}
			return view, nil, nil
		}
		view.Resources = resources
		if k.Kind == KindGeo {
			view.Resources = WithinRadius(resources, k.Lat, k.Lng, k.RadiusKm)
		}
		return view, resources, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownKey, k.Raw)
}

// publish writes a loaded view to the sink and cache and clears its stale
// mark, unless the view was invalidated after gen was read. It reports
// whether the view is current.
func (p *Propagator) publish(ctx context.Context, k Key, gen uint64, view *View, all []models.Resource) bool {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	if !p.current(k.Raw, gen) {
		return false
	}

	if p.sink != nil {
		switch k.Kind {
		case KindClaims:
			p.sink.SetClaims(k.ID, view.Claims)
		case KindListings, KindGeo:
			p.sink.SetListings(all)
		}
	}
	if err := p.cache.Set(ctx, view); err != nil {
		p.logger.Warn("view cache write failed", "key", k.Raw, "error", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen[k.Raw] != gen {
		return false
	}
	delete(p.stale, k.Raw)
	return true
}

func (p *Propagator) current(key string, gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen[key] == gen
}

// everySpec renders an interval as a cron descriptor. The cron scheduler
// cannot run jobs more often than once a second.
func everySpec(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return "@every " + d.String()
}

func kindLabel(key string) string {
	if k, err := ParseKey(key); err == nil {
		return string(k.Kind)
	}
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
