package profile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const notchID = "069a79f444e94726a5befca90e38aaf5"

type fakeDirectory struct {
	byIDCalls   atomic.Int32
	byNameCalls atomic.Int32
	gate        chan struct{}
	records     map[string]Record // lowercase name -> record
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{records: map[string]Record{
		"notch": {ID: notchID, Name: "Notch"},
	}}
}

func (d *fakeDirectory) ProfileByUUID(ctx context.Context, id string) (Record, error) {
	d.byIDCalls.Add(1)
	if err := d.wait(ctx); err != nil {
		return Record{}, err
	}
	for _, r := range d.records {
		if strings.ReplaceAll(r.ID, "-", "") == id {
			return r, nil
		}
	}
	return Record{}, errors.New("not found")
}

func (d *fakeDirectory) ProfileByName(ctx context.Context, name string) (Record, error) {
	d.byNameCalls.Add(1)
	if err := d.wait(ctx); err != nil {
		return Record{}, err
	}
	if r, ok := d.records[strings.ToLower(name)]; ok {
		return r, nil
	}
	return Record{}, errors.New("not found")
}

func (d *fakeDirectory) wait(ctx context.Context) error {
	if d.gate == nil {
		return nil
	}
	select {
	case <-d.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T) (*Cache, *fakeDirectory, *fakeClock) {
	t.Helper()
	dir := newFakeDirectory()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewCache(dir, WithClock(clock.Now)), dir, clock
}

func TestByNameCachesWithinTTL(t *testing.T) {
	c, dir, clock := newTestCache(t)
	ctx := context.Background()

	p, err := c.ByName(ctx, "Notch")
	require.NoError(t, err)
	assert.Equal(t, notchID, p.ID)
	assert.Equal(t, "Notch", p.DisplayName)

	clock.Advance(3 * time.Hour)
	again, err := c.ByName(ctx, "notch")
	require.NoError(t, err)
	assert.Equal(t, p, again)
	assert.Equal(t, int32(1), dir.byNameCalls.Load())
}

func TestExpiredEntryRefetchesOnce(t *testing.T) {
	c, dir, clock := newTestCache(t)
	ctx := context.Background()

	_, err := c.ByName(ctx, "Notch")
	require.NoError(t, err)

	clock.Advance(DefaultTTL)
	p, err := c.ByName(ctx, "Notch")
	require.NoError(t, err)
	assert.Equal(t, int32(2), dir.byNameCalls.Load())
	assert.Equal(t, clock.Now(), p.FetchedAt)

	_, err = c.ByName(ctx, "Notch")
	require.NoError(t, err)
	assert.Equal(t, int32(2), dir.byNameCalls.Load())
}

func TestNameLookupPopulatesIDIndex(t *testing.T) {
	c, dir, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.ByName(ctx, "Notch")
	require.NoError(t, err)

	p, err := c.ByID(ctx, "069a79f4-44e9-4726-a5be-fca90e38aaf5")
	require.NoError(t, err)
	assert.Equal(t, "Notch", p.DisplayName)
	assert.Equal(t, "069a79f4-44e9-4726-a5be-fca90e38aaf5", p.DashedID())
	assert.Zero(t, dir.byIDCalls.Load())
}

func TestIDLookupPopulatesNameIndex(t *testing.T) {
	c, dir, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.ByID(ctx, notchID)
	require.NoError(t, err)
	_, err = c.ByName(ctx, "NOTCH")
	require.NoError(t, err)
	assert.Equal(t, int32(1), dir.byIDCalls.Load())
	assert.Zero(t, dir.byNameCalls.Load())
}

func TestLookupErrors(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.ByName(ctx, "nobody")
	var lookup *LookupError
	require.ErrorAs(t, err, &lookup)
	assert.Equal(t, "nobody", lookup.Key)

	_, err = c.ByID(ctx, "not-a-uuid")
	require.ErrorAs(t, err, &lookup)

	_, err = c.ByName(ctx, "  ")
	require.ErrorAs(t, err, &lookup)
	assert.Zero(t, c.Len())
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	c, dir, _ := newTestCache(t)
	dir.gate = make(chan struct{})
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ByName(ctx, "Notch")
			errs <- err
		}()
	}
	// Let every goroutine reach the in-flight call before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(dir.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), dir.byNameCalls.Load())
}

func TestCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	c, dir, _ := newTestCache(t)
	dir.gate = make(chan struct{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.ByName(firstCtx, "Notch")
		firstErr <- err
	}()
	// The first caller owns the flight before the second joins it.
	assert.Eventually(t, func() bool { return dir.byNameCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		p   Profile
		err error
	}
	second := make(chan result, 1)
	go func() {
		p, err := c.ByName(context.Background(), "Notch")
		second <- result{p, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller still waiting")
	}

	close(dir.gate)
	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, notchID, res.p.ID)
	case <-time.After(time.Second):
		t.Fatal("shared fetch never finished")
	}
	assert.Equal(t, int32(1), dir.byNameCalls.Load())
}

func TestSharedFetchHasItsOwnTimeout(t *testing.T) {
	dir := newFakeDirectory()
	dir.gate = make(chan struct{})
	c := NewCache(dir, WithFetchTimeout(20*time.Millisecond))

	_, err := c.ByName(context.Background(), "Notch")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCanonicalID(t *testing.T) {
	id, err := CanonicalID("069A79F4-44E9-4726-A5BE-FCA90E38AAF5")
	require.NoError(t, err)
	assert.Equal(t, notchID, id)

	_, err = CanonicalID("xyz")
	assert.Error(t, err)
}
