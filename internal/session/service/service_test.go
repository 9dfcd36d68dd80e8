package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal-gateway/backend/internal/cache"
	"portal-gateway/backend/internal/session/domain"
	"portal-gateway/backend/internal/session/repository"
	"portal-gateway/backend/internal/token"
	"portal-gateway/backend/internal/token/tokentest"
	"portal-gateway/backend/internal/upstream"
)

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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeRefresher mints a new access token per call. When gate is set, each call signals entered
// and then waits for gate to close.
type fakeRefresher struct {
	clk     *clock
	calls   atomic.Int32
	err     error
	delay   time.Duration
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeRefresher) Refresh(ctx context.Context, expiredToken, refreshToken string) (string, error) {
	n := f.calls.Add(1)
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	sub, _ := token.Subject(expiredToken)
	return tokentest.Mint(sub, f.clk.Now().Add(15*time.Minute+time.Duration(n)*time.Second)), nil
}

type fixture struct {
	clk       *clock
	repo      *repository.MemoryRepository
	store     *Store
	refresher *fakeRefresher
	manager   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	repo := repository.NewMemoryRepository()
	repo.SetClock(clk.Now)
	c := cache.New[*domain.Session](cache.Options{Now: clk.Now})
	store := NewStore(repo, c, StoreOptions{TTL: 5 * time.Minute, Now: clk.Now})
	refresher := &fakeRefresher{clk: clk}
	manager := NewManager(store, refresher, ManagerOptions{Logger: zerolog.Nop(), Now: clk.Now})
	return &fixture{clk: clk, repo: repo, store: store, refresher: refresher, manager: manager}
}

func (f *fixture) session(t *testing.T, id string, accessIn, sessionIn time.Duration) *domain.Session {
	t.Helper()
	now := f.clk.Now()
	s := &domain.Session{
		ID:           id,
		UserID:       "user-1",
		AccessToken:  tokentest.Mint("user-1", now.Add(accessIn)),
		RefreshToken: tokentest.Mint("user-1", now.Add(sessionIn)),
		ExpiresAt:    now.Add(sessionIn),
	}
	require.NoError(t, f.store.Insert(context.Background(), s))
	return s.Clone()
}

func TestEnsureValid_UnexpiredTokenUnchanged(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "s1", 10*time.Minute, time.Hour)
	original := s.AccessToken

	tok, err := f.manager.EnsureValid(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, original, tok)
	assert.Equal(t, int32(0), f.refresher.calls.Load(), "no network call for a fresh token")
}

func TestEnsureValid_ExpiredTokenRefreshesOnce(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "s1", -time.Minute, time.Hour)
	refreshToken, expiresAt := s.RefreshToken, s.ExpiresAt

	tok, err := f.manager.EnsureValid(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.refresher.calls.Load())
	assert.Equal(t, tok, s.AccessToken, "session is updated in place")
	assert.Equal(t, refreshToken, s.RefreshToken)
	assert.True(t, expiresAt.Equal(s.ExpiresAt), "expiry is never extended by renewal")

	stored, ok := f.repo.Get("s1")
	require.True(t, ok)
	assert.Equal(t, tok, stored.AccessToken)

	cached, err := f.store.Lookup(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, tok, cached.AccessToken, "cache reflects the new token")

	again, err := f.manager.EnsureValid(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, tok, again)
	assert.Equal(t, int32(1), f.refresher.calls.Load())
}

func TestEnsureValid_ExpiryEqualToNowRefreshes(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "s1", 0, time.Hour)
	_, err := f.manager.EnsureValid(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.refresher.calls.Load())
}

func TestEnsureValid_Scenario_FiveMinuteToken(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "s1", 5*time.Minute, time.Hour)
	ctx := context.Background()

	_, err := f.manager.EnsureValid(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int32(0), f.refresher.calls.Load())

	f.clk.Advance(5*time.Minute + time.Second)

	tok, err := f.manager.EnsureValid(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.refresher.calls.Load())

	stored, ok := f.repo.Get("s1")
	require.True(t, ok)
	assert.Equal(t, tok, stored.AccessToken)
}

func TestEnsureValid_RefreshRejected(t *testing.T) {
	f := newFixture(t)
	f.refresher.err = fmt.Errorf("%w: status 401", upstream.ErrRefreshRejected)
	s := f.session(t, "s1", -time.Minute, time.Hour)
	original := s.AccessToken

	_, err := f.manager.EnsureValid(context.Background(), s)
	require.ErrorIs(t, err, ErrRefreshFailed)
	assert.ErrorIs(t, err, upstream.ErrRefreshRejected)
	assert.Equal(t, original, s.AccessToken)
}

func TestEnsureValid_RefreshUnreachable(t *testing.T) {
	f := newFixture(t)
	f.refresher.err = fmt.Errorf("%w: dial tcp", upstream.ErrUnreachable)
	s := f.session(t, "s1", -time.Minute, time.Hour)

	_, err := f.manager.EnsureValid(context.Background(), s)
	require.ErrorIs(t, err, ErrRefreshFailed)
}

func TestEnsureValid_ProtocolError(t *testing.T) {
	f := newFixture(t)
	f.refresher.err = fmt.Errorf("%w: refresh response missing auth", upstream.ErrProtocol)
	s := f.session(t, "s1", -time.Minute, time.Hour)

	_, err := f.manager.EnsureValid(context.Background(), s)
	require.ErrorIs(t, err, ErrProtocol)
	assert.NotErrorIs(t, err, ErrRefreshFailed)
}

func TestEnsureValid_PersistFailureIsRefreshFailed(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "s1", -time.Minute, time.Hour)
	original := s.AccessToken
	f.repo.FailWith = errors.New("connection refused")

	_, err := f.manager.EnsureValid(context.Background(), s)
	require.ErrorIs(t, err, ErrRefreshFailed)
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, int32(1), f.refresher.calls.Load(), "upstream refresh did succeed")
	assert.Equal(t, original, s.AccessToken, "an unpersisted token is not handed out")
}

func TestEnsureValid_MalformedAccessToken(t *testing.T) {
	f := newFixture(t)
	s := &domain.Session{ID: "s1", AccessToken: "garbage", ExpiresAt: f.clk.Now().Add(time.Hour)}

	_, err := f.manager.EnsureValid(context.Background(), s)
	require.ErrorIs(t, err, token.ErrMalformedToken)
	assert.Equal(t, int32(0), f.refresher.calls.Load())
}

func TestEnsureValid_ConcurrentLastWriteWins(t *testing.T) {
	f := newFixture(t)
	f.refresher.delay = 5 * time.Millisecond
	base := f.session(t, "s1", -time.Minute, time.Hour)

	const n = 8
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := f.manager.EnsureValid(context.Background(), base.Clone())
			assert.NoError(t, err)
			results[i] = tok
		}(i)
	}
	wg.Wait()

	stored, ok := f.repo.Get("s1")
	require.True(t, ok)
	assert.Contains(t, results, stored.AccessToken, "store holds one of the issued tokens")
	_, err := token.Expiry(stored.AccessToken)
	assert.NoError(t, err, "stored token is intact")
	assert.Equal(t, base.RefreshToken, stored.RefreshToken)
}

func TestStore_LookupFallsBackThenCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.Insert(ctx, &domain.Session{ID: "s1", UserID: "u1", ExpiresAt: f.clk.Now().Add(time.Hour)}))

	got, err := f.store.Lookup(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)

	// The row disappears behind the cache's back; the cached entry still serves until its TTL.
	require.NoError(t, f.repo.Delete(ctx, "s1"))
	_, err = f.store.Lookup(ctx, "s1")
	require.NoError(t, err)

	f.clk.Advance(5 * time.Minute)
	_, err = f.store.Lookup(ctx, "s1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_LookupReturnsClones(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", time.Minute, time.Hour)
	ctx := context.Background()

	a, err := f.store.Lookup(ctx, "s1")
	require.NoError(t, err)
	a.AccessToken = "mutated"

	b, err := f.store.Lookup(ctx, "s1")
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", b.AccessToken)
}

func TestStore_CachedSessionPastExpiryIsExpired(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", time.Minute, 2*time.Minute)
	f.clk.Advance(3 * time.Minute)

	_, err := f.store.Lookup(context.Background(), "s1")
	require.ErrorIs(t, err, domain.ErrExpired)
	assert.True(t, domain.IsInvalid(err))
}

func TestStore_LookupUnknownAndEmpty(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Lookup(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.store.Lookup(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_DeleteEvictsEvenWhenRowDeleteFails(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", time.Minute, time.Hour)
	f.repo.FailWith = errors.New("db down")

	err := f.store.Delete(context.Background(), "s1")
	require.ErrorIs(t, err, domain.ErrPersistence)

	f.repo.FailWith = nil
	_, err = f.store.Lookup(context.Background(), "s1")
	require.ErrorIs(t, err, domain.ErrNotFound, "a deleted id stays invalid while the row lingers")

	// After one TTL the surviving row is served again.
	f.clk.Advance(5 * time.Minute)
	_, err = f.store.Lookup(context.Background(), "s1")
	require.NoError(t, err)
}

// blockRefresh starts EnsureValid for sess with the refresher held inside the upstream call and
// returns a channel carrying its result once release is called.
func (f *fixture) blockRefresh(t *testing.T, sess *domain.Session) (release func(), done <-chan error) {
	t.Helper()
	f.refresher.entered = make(chan struct{}, 1)
	f.refresher.gate = make(chan struct{})
	out := make(chan error, 1)
	go func() {
		_, err := f.manager.EnsureValid(context.Background(), sess)
		out <- err
	}()
	select {
	case <-f.refresher.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never reached the upstream")
	}
	return func() { close(f.refresher.gate) }, out
}

func TestEnsureValid_RefreshFinishingAfterDeleteDoesNotRestoreSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, "s1", -time.Minute, time.Hour)

	release, done := f.blockRefresh(t, s)
	require.NoError(t, f.store.Delete(ctx, "s1"))
	release()
	require.NoError(t, <-done, "the in-flight call still gets its token")

	_, err := f.store.Lookup(ctx, "s1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, ok := f.repo.Get("s1")
	assert.False(t, ok)
}

func TestEnsureValid_RefreshFinishingAfterDeleteByUserDoesNotRestoreSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, "s1", -time.Minute, time.Hour)
	f.session(t, "s2", time.Minute, time.Hour)

	release, done := f.blockRefresh(t, s)
	ids, err := f.store.DeleteByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)
	release()
	require.NoError(t, <-done)

	for _, id := range []string{"s1", "s2"} {
		_, err := f.store.Lookup(ctx, id)
		assert.ErrorIs(t, err, domain.ErrNotFound, id)
	}
}

func TestStore_UpdateAccessTokenForMissingRowEvicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, "s1", time.Minute, time.Hour)

	// The row vanishes underneath the cache; the refreshed token must not re-cache it.
	require.NoError(t, f.repo.Delete(ctx, "s1"))
	s.AccessToken = "fresh"
	require.NoError(t, f.store.UpdateAccessToken(ctx, s), "zero-row update is a no-op success")

	_, err := f.store.Lookup(ctx, "s1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_UpdateAccessTokenReplacesCachedCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, "s1", time.Minute, time.Hour)

	s.AccessToken = "fresh"
	require.NoError(t, f.store.UpdateAccessToken(ctx, s))

	got, err := f.store.Lookup(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.AccessToken)
}

func TestStore_LookupAfterDeleteIsNotRefilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, "s1", time.Minute, time.Hour)

	require.NoError(t, f.store.Delete(ctx, "s1"))
	// A lookup that read the row before the delete finishes its cache fill late.
	f.store.fill(ctx, s)

	_, err := f.store.Lookup(ctx, "s1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_InsertClearsDeletedMark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.session(t, "s1", time.Minute, time.Hour)
	require.NoError(t, f.store.Delete(ctx, "s1"))

	f.session(t, "s1", time.Minute, time.Hour)
	_, err := f.store.Lookup(ctx, "s1")
	require.NoError(t, err)
}

func TestStore_DeleteByUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.clk.Now().Add(time.Hour)
	for _, s := range []*domain.Session{
		{ID: "a1", UserID: "alice", ExpiresAt: exp},
		{ID: "a2", UserID: "alice", ExpiresAt: exp},
		{ID: "b1", UserID: "bob", ExpiresAt: exp},
	} {
		require.NoError(t, f.store.Insert(ctx, s))
	}

	ids, err := f.store.DeleteByUser(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a1", "a2"}, ids)

	for _, id := range []string{"a1", "a2"} {
		_, err := f.store.Lookup(ctx, id)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
	_, err = f.store.Lookup(ctx, "b1")
	assert.NoError(t, err)
}

func TestStore_LoadActiveWarmsCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.Insert(ctx, &domain.Session{ID: "live", UserID: "u", ExpiresAt: f.clk.Now().Add(time.Hour)}))
	require.NoError(t, f.repo.Insert(ctx, &domain.Session{ID: "dead", UserID: "u", ExpiresAt: f.clk.Now().Add(-time.Hour)}))

	active, err := f.store.LoadActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "live", active[0].ID)

	// Served from cache even after the row is gone.
	require.NoError(t, f.repo.Delete(ctx, "live"))
	_, err = f.store.Lookup(ctx, "live")
	assert.NoError(t, err)
}

func TestMergeIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, mergeIDs([]string{"a", "b"}, []string{"b", "c"}))
	assert.Empty(t, mergeIDs(nil, nil))
}
