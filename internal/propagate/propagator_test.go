package propagate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slot-claims/backend/internal/storage/models"
)

type fakeSource struct {
	mu        sync.Mutex
	resources []models.Resource
	approved  map[string][]models.ClaimedItem
	claims    map[string][]models.ClaimedItem

	listingErr  error
	approvedErr error
	gate        chan struct{}
	// afterRead runs once an approved-claims call has captured its data.
	afterRead func(call int32)

	listingCalls  atomic.Int32
	approvedCalls atomic.Int32
	claimsCalls   atomic.Int32
}

func (s *fakeSource) FetchApprovedClaims(ctx context.Context, resourceID string) ([]models.ClaimedItem, error) {
	call := s.approvedCalls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	items, err := append([]models.ClaimedItem(nil), s.approved[resourceID]...), s.approvedErr
	s.mu.Unlock()
	if s.afterRead != nil {
		s.afterRead(call)
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *fakeSource) FetchResourceListings(ctx context.Context) ([]models.Resource, error) {
	s.listingCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listingErr != nil {
		return nil, s.listingErr
	}
	return append([]models.Resource(nil), s.resources...), nil
}

func (s *fakeSource) FetchClaimsList(ctx context.Context, claimantID string) ([]models.ClaimedItem, error) {
	s.claimsCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims[claimantID], nil
}

type fakeSink struct {
	mu       sync.Mutex
	claims   map[string][]models.ClaimedItem
	listings []models.Resource
}

func (s *fakeSink) SetClaims(claimantID string, items []models.ClaimedItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims == nil {
		s.claims = make(map[string][]models.ClaimedItem)
	}
	s.claims[claimantID] = items
}

func (s *fakeSink) SetListings(resources []models.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings = resources
}

type recordingListener struct {
	mu   sync.Mutex
	keys []string
}

func (l *recordingListener) ViewInvalidated(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
}

func (l *recordingListener) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.keys...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func ptr(f float64) *float64 { return &f }

func newTestPropagator(src Source, opts ...Option) (*Propagator, *clock) {
	clk := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.Now), WithLogger(discardLogger())}, opts...)
	return New(src, Config{StalenessThreshold: time.Second}, opts...), clk
}

func TestGet_CachesWithinThreshold(t *testing.T) {
	src := &fakeSource{approved: map[string][]models.ClaimedItem{"r1": {{ID: "c1"}}}}
	p, clk := newTestPropagator(src)
	ctx := context.Background()

	v, err := p.Get(ctx, BookingKey("r1"))
	require.NoError(t, err)
	assert.Len(t, v.Claims, 1)

	_, err = p.Get(ctx, BookingKey("r1"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, src.approvedCalls.Load())

	clk.Advance(2 * time.Second)
	_, err = p.Get(ctx, BookingKey("r1"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.approvedCalls.Load(), "views older than the threshold are refetched")
}

func TestInvalidate_ForcesRefetchAndNotifies(t *testing.T) {
	src := &fakeSource{claims: map[string][]models.ClaimedItem{"alice": {{ID: "c1"}}}}
	listener := &recordingListener{}
	p, _ := newTestPropagator(src, WithListener(listener))
	ctx := context.Background()

	_, err := p.Get(ctx, ClaimsKey("alice"))
	require.NoError(t, err)

	p.InvalidateClaim("r1", "alice")
	assert.ElementsMatch(t, []string{"claims:alice", "booking:r1", "listings"}, listener.seen())

	_, err = p.Get(ctx, ClaimsKey("alice"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.claimsCalls.Load())
}

func TestInvalidateClaim_IncludesGeoViews(t *testing.T) {
	src := &fakeSource{}
	listener := &recordingListener{}
	p, _ := newTestPropagator(src, WithListener(listener))

	geo := GeoKey(52.52, 13.405, 5)
	require.NoError(t, p.Watch(geo))
	defer p.Unwatch(geo)

	p.InvalidateClaim("r1", "alice")
	assert.Contains(t, listener.seen(), geo)
}

func TestListingKeys_OnlyWatchedGeoViews(t *testing.T) {
	p, _ := newTestPropagator(&fakeSource{})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := p.Get(ctx, GeoKey(50+float64(i)*0.01, 13.4, 5))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{ListingsKey()}, p.listingKeys(), "one-off geo reads are not tracked")

	geo := GeoKey(52.52, 13.405, 5)
	require.NoError(t, p.Watch(geo))
	require.NoError(t, p.Watch(geo))
	assert.ElementsMatch(t, []string{ListingsKey(), geo}, p.listingKeys())

	p.Unwatch(geo)
	assert.ElementsMatch(t, []string{ListingsKey(), geo}, p.listingKeys())
	p.Unwatch(geo)
	assert.Equal(t, []string{ListingsKey()}, p.listingKeys())
}

func TestInvalidate_DuringLoadIsNotLost(t *testing.T) {
	loaded := make(chan struct{})
	release := make(chan struct{})
	src := &fakeSource{approved: map[string][]models.ClaimedItem{}}
	src.afterRead = func(call int32) {
		if call == 1 {
			close(loaded)
			<-release
		}
	}
	sink := &fakeSink{}
	p, _ := newTestPropagator(src, WithSink(sink))
	ctx := context.Background()
	key := BookingKey("r1")

	first := make(chan *View, 1)
	go func() {
		v, err := p.Get(ctx, key)
		assert.NoError(t, err)
		first <- v
	}()
	<-loaded

	// The backend gains a claim while the first load holds outdated data.
	src.mu.Lock()
	src.approved["r1"] = []models.ClaimedItem{{ID: "c1", Status: models.ClaimStatusApproved}}
	src.mu.Unlock()
	p.Invalidate(key)

	v, err := p.Get(ctx, key)
	require.NoError(t, err)
	assert.Len(t, v.Claims, 1, "readers after the invalidation do not join the outdated load")

	close(release)
	select {
	case v := <-first:
		assert.Len(t, v.Claims, 1, "the outdated load is retried")
	case <-time.After(time.Second):
		t.Fatal("first read did not return")
	}

	v, err = p.Get(ctx, key)
	require.NoError(t, err)
	assert.Len(t, v.Claims, 1, "outdated data was not cached")
	assert.EqualValues(t, 3, src.approvedCalls.Load())
}

func TestInvalidate_DuringLoadKeepsSinkCurrent(t *testing.T) {
	loaded := make(chan struct{})
	release := make(chan struct{})
	src := &gatedClaimsSource{
		fakeSource: fakeSource{claims: map[string][]models.ClaimedItem{}},
		loaded:     loaded,
		release:    release,
	}
	sink := &fakeSink{}
	p, _ := newTestPropagator(src, WithSink(sink))
	key := ClaimsKey("alice")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := p.Get(context.Background(), key)
		assert.NoError(t, err)
	}()
	<-loaded

	src.mu.Lock()
	src.claims["alice"] = []models.ClaimedItem{{ID: "c1", ClaimantID: "alice"}}
	src.mu.Unlock()
	p.Invalidate(key)
	close(release)
	<-done

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.claims["alice"], 1, "the sink never receives the outdated list")
	assert.Equal(t, "c1", sink.claims["alice"][0].ID)
}

// gatedClaimsSource blocks its first claims-list call after reading.
type gatedClaimsSource struct {
	fakeSource
	loaded  chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedClaimsSource) FetchClaimsList(ctx context.Context, claimantID string) ([]models.ClaimedItem, error) {
	s.claimsCalls.Add(1)
	s.mu.Lock()
	items := append([]models.ClaimedItem(nil), s.claims[claimantID]...)
	s.mu.Unlock()

	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.loaded)
		<-s.release
	}
	return items, nil
}

func TestInvalidate_RefreshesWatchedViews(t *testing.T) {
	src := &fakeSource{claims: map[string][]models.ClaimedItem{"alice": {{ID: "c1"}}}}
	sink := &fakeSink{}
	p, _ := newTestPropagator(src, WithSink(sink))

	require.NoError(t, p.Watch(ClaimsKey("alice")))
	defer p.Unwatch(ClaimsKey("alice"))

	p.Invalidate(ClaimsKey("alice"))

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.claims["alice"]) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestInvalidate_UnwatchedViewsAreNotFetched(t *testing.T) {
	src := &fakeSource{}
	p, _ := newTestPropagator(src)

	p.Invalidate(ClaimsKey("bob"))
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, src.claimsCalls.Load())
}

func TestWatch_RefCounted(t *testing.T) {
	p, _ := newTestPropagator(&fakeSource{})
	key := BookingKey("r1")

	require.NoError(t, p.Watch(key))
	require.NoError(t, p.Watch(key))
	assert.Len(t, p.cron.Entries(), 1)

	p.Unwatch(key)
	assert.True(t, p.Watching(key))

	p.Unwatch(key)
	assert.False(t, p.Watching(key))
	assert.Empty(t, p.cron.Entries())

	assert.ErrorIs(t, p.Watch("nonsense"), ErrUnknownKey)
}

func TestWatch_PollsOnSchedule(t *testing.T) {
	src := &fakeSource{}
	p := New(src, Config{BookingInterval: time.Second}, WithLogger(discardLogger()))
	p.Start()
	defer p.Stop()

	require.NoError(t, p.Watch(BookingKey("r1")))

	require.Eventually(t, func() bool { return src.approvedCalls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestRefresh_CollapsesConcurrentCalls(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	p, _ := newTestPropagator(src)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Refresh(context.Background(), BookingKey("r1"))
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return src.approvedCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.LessOrEqual(t, src.approvedCalls.Load(), int32(8))
	assert.GreaterOrEqual(t, src.approvedCalls.Load(), int32(1))
}

func TestRefresh_ListingFailureDegrades(t *testing.T) {
	src := &fakeSource{listingErr: errors.New("backend down")}
	p, _ := newTestPropagator(src)

	v, err := p.Get(context.Background(), ListingsKey())
	require.NoError(t, err)
	assert.True(t, v.Degraded)
	assert.Empty(t, v.Resources)

	// Degraded views are not cached.
	_, err = p.Get(context.Background(), ListingsKey())
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.listingCalls.Load())
}

func TestRefresh_BookingFailureIsReturned(t *testing.T) {
	src := &fakeSource{approvedErr: errors.New("backend down")}
	p, _ := newTestPropagator(src)

	_, err := p.Get(context.Background(), BookingKey("r1"))
	assert.Error(t, err)
}

func TestRefresh_GeoFilters(t *testing.T) {
	src := &fakeSource{resources: []models.Resource{
		{ID: "near", Latitude: ptr(52.52), Longitude: ptr(13.41)},
		{ID: "far", Latitude: ptr(48.14), Longitude: ptr(11.58)},
		{ID: "nowhere"},
	}}
	sink := &fakeSink{}
	p, _ := newTestPropagator(src, WithSink(sink))

	v, err := p.Get(context.Background(), GeoKey(52.52, 13.405, 10))
	require.NoError(t, err)
	require.Len(t, v.Resources, 1)
	assert.Equal(t, "near", v.Resources[0].ID)
	assert.Len(t, sink.listings, 3, "the global listing view is refreshed with everything")
}
