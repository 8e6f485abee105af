package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	apperrors "socketlease/backend/libs/errors"
	"socketlease/backend/services/lease-service/internal/events"
	"socketlease/backend/services/lease-service/internal/models"
	redisstore "socketlease/backend/services/lease-service/internal/redis"
	"socketlease/backend/services/lease-service/internal/relay"
	"socketlease/backend/services/lease-service/internal/repository"
)

var testSockets = []models.Socket{
	{Number: 1, Pin: 17, Class: models.SocketClassStandard},
	{Number: 2, Pin: 27, Class: models.SocketClassFast},
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	manager   *Manager
	store     *repository.MemoryStore
	outputs   *relay.SimulatedFactory
	publisher *events.FakePublisher
	clock     *fakeClock
	logs      *observer.ObservedLogs
}

type fixtureOption func(*Deps, *Options)

func withoutTransactions() fixtureOption {
	return func(d *Deps, _ *Options) { d.Transactor = nil }
}

func withStrictActuation() fixtureOption {
	return func(_ *Deps, o *Options) { o.StrictActuation = true }
}

func withRelay(r Relay) fixtureOption {
	return func(d *Deps, _ *Options) { d.Relay = r }
}

func withSockets(sockets []models.Socket) fixtureOption {
	return func(_ *Deps, o *Options) { o.Sockets = sockets }
}

func withPublisher(p events.Publisher) fixtureOption {
	return func(d *Deps, _ *Options) { d.Publisher = p }
}

func withCache(c ActiveLeaseCache) fixtureOption {
	return func(d *Deps, _ *Options) { d.Cache = c }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	store := repository.NewMemoryStore()
	store.PutAccount("alice", 100)
	store.PutAccount("bob", 5)

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	outputs := relay.NewSimulatedFactory(zap.NewNop())
	controller := relay.NewController(outputs, map[int]int{1: 17, 2: 27}, zap.NewNop())
	t.Cleanup(func() { _ = controller.Shutdown() })

	clock := newFakeClock()
	publisher := events.NewFakePublisher()

	deps := Deps{
		Sessions:   store,
		Ledger:     store,
		Transactor: store,
		Relay:      controller,
		Publisher:  publisher,
		Logger:     logger,
		Now:        clock.Now,
	}
	options := Options{SecondsPerPoint: 120, Sockets: testSockets}
	for _, opt := range opts {
		opt(&deps, &options)
	}

	return &fixture{
		manager:   NewManager(deps, options),
		store:     store,
		outputs:   outputs,
		publisher: publisher,
		clock:     clock,
		logs:      logs,
	}
}

func (f *fixture) balance(t *testing.T, holder string) int {
	t.Helper()
	balance, err := f.store.GetBalance(context.Background(), holder)
	require.NoError(t, err)
	return balance
}

func (f *fixture) start(t *testing.T, holder string, points int) *models.Session {
	t.Helper()
	result, err := f.manager.StartLease(context.Background(), holder, points, models.SocketClassStandard, 1)
	require.NoError(t, err)
	return result.Session
}

func modes() map[string][]fixtureOption {
	return map[string][]fixtureOption{
		"transaction": nil,
		"saga":        {withoutTransactions()},
	}
}

func TestStartLease(t *testing.T) {
	for name, opts := range modes() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, opts...)

			result, err := f.manager.StartLease(context.Background(), "alice", 10, models.SocketClassStandard, 1)
			require.NoError(t, err)

			s := result.Session
			assert.NotZero(t, s.ID)
			assert.Equal(t, models.SessionStatusInProgress, s.Status)
			assert.Equal(t, f.clock.Now(), s.StartTime)
			assert.Equal(t, 1200*time.Second, s.ExpectedEndTime.Sub(s.StartTime))
			assert.Equal(t, 1200*time.Second, result.ExpectedDuration)
			assert.Equal(t, 90, result.RemainingBalance)
			assert.Equal(t, 90, f.balance(t, "alice"))

			assert.True(t, f.outputs.Output(17).On())
			assert.Equal(t, []string{events.TypeLeaseStarted}, f.publisher.Types())

			stored, err := f.store.Get(context.Background(), s.ID)
			require.NoError(t, err)
			assert.Equal(t, "alice", stored.HolderID)
		})
	}
}

func TestStartLease_ExpectedEndMatchesPoints(t *testing.T) {
	f := newFixture(t)
	f.store.PutAccount("carol", 10000)

	for _, points := range []int{1, 7, 60, 500} {
		result, err := f.manager.StartLease(context.Background(), "carol", points, models.SocketClassFast, 2)
		require.NoError(t, err)
		s := result.Session
		assert.Equal(t, time.Duration(points)*120*time.Second, s.ExpectedEndTime.Sub(s.StartTime))

		_, err = f.manager.StopLease(context.Background(), s.ID, models.SessionStatusCompleted)
		require.NoError(t, err)
	}
}

func TestStartLease_Errors(t *testing.T) {
	tests := []struct {
		name   string
		holder string
		points int
		class  models.SocketClass
		socket int
		code   apperrors.ErrorCode
	}{
		{"unknown holder", "nobody", 10, models.SocketClassStandard, 1, apperrors.ErrCodeNotFound},
		{"insufficient balance", "bob", 10, models.SocketClassStandard, 1, apperrors.ErrCodeInsufficientBalance},
		{"zero points", "alice", 0, models.SocketClassStandard, 1, apperrors.ErrCodeInvalidState},
		{"negative points", "alice", -3, models.SocketClassStandard, 1, apperrors.ErrCodeInvalidState},
		{"empty holder", "  ", 10, models.SocketClassStandard, 1, apperrors.ErrCodeInvalidState},
		{"unknown class", "alice", 10, models.SocketClass("turbo"), 1, apperrors.ErrCodeInvalidState},
		{"unconfigured socket", "alice", 10, models.SocketClassStandard, 9, apperrors.ErrCodeInvalidState},
		{"class mismatch", "alice", 10, models.SocketClassFast, 1, apperrors.ErrCodeInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.manager.StartLease(context.Background(), tt.holder, tt.points, tt.class, tt.socket)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.GetCode(err))

			assert.Equal(t, 100, f.balance(t, "alice"))
			assert.Equal(t, 5, f.balance(t, "bob"))
			assert.Empty(t, f.publisher.Events)
		})
	}
}

func TestStartLease_NoSocketsConfigured(t *testing.T) {
	for _, strict := range []bool{false, true} {
		opts := []fixtureOption{withSockets(nil)}
		if strict {
			opts = append(opts, withStrictActuation())
		}
		f := newFixture(t, opts...)

		_, err := f.manager.StartLease(context.Background(), "alice", 10, models.SocketClassStandard, 1)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState), "strict=%v: %v", strict, err)
		assert.Equal(t, 100, f.balance(t, "alice"))
		assert.Zero(t, f.outputs.Opens())

		active, err := f.manager.GetActiveLease(context.Background(), "alice")
		require.NoError(t, err)
		assert.Nil(t, active)
	}
}

func TestStartLease_Conflict(t *testing.T) {
	f := newFixture(t)
	f.start(t, "alice", 10)

	_, err := f.manager.StartLease(context.Background(), "alice", 10, models.SocketClassFast, 2)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
	assert.Equal(t, 90, f.balance(t, "alice"))
}

func TestStartLease_ConcurrentSameHolder(t *testing.T) {
	for name, opts := range modes() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, opts...)

			const callers = 20
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
				conflicts int
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := f.manager.StartLease(context.Background(), "alice", 10, models.SocketClassStandard, 1)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						successes++
					case apperrors.HasCode(err, apperrors.ErrCodeConflict):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, successes)
			assert.Equal(t, callers-1, conflicts)
			assert.Equal(t, 90, f.balance(t, "alice"))

			active, err := f.store.Query(context.Background(), models.SessionFilter{HolderID: "alice", Status: models.SessionStatusInProgress})
			require.NoError(t, err)
			assert.Len(t, active, 1)
			assert.Zero(t, f.manager.locks.size())
		})
	}
}

func TestStartLease_DifferentHoldersIndependent(t *testing.T) {
	f := newFixture(t)
	holders := []string{"h1", "h2", "h3", "h4", "h5"}
	for _, h := range holders {
		f.store.PutAccount(h, 50)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(holders))
	for i, h := range holders {
		wg.Add(1)
		go func(i int, h string) {
			defer wg.Done()
			_, errs[i] = f.manager.StartLease(context.Background(), h, 10, models.SocketClassStandard, 1)
		}(i, h)
	}
	wg.Wait()

	for i, h := range holders {
		assert.NoError(t, errs[i], h)
		assert.Equal(t, 40, f.balance(t, h), h)
	}
}

func TestStopLease_Completed(t *testing.T) {
	for name, opts := range modes() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, opts...)
			s := f.start(t, "alice", 10)

			f.clock.Advance(300 * time.Second)
			stopped, err := f.manager.StopLease(context.Background(), s.ID, models.SessionStatusCompleted)
			require.NoError(t, err)

			assert.Equal(t, models.SessionStatusCompleted, stopped.Status)
			require.NotNil(t, stopped.DurationSeconds)
			assert.Equal(t, int64(300), *stopped.DurationSeconds)
			require.NotNil(t, stopped.ActualEndTime)
			assert.Equal(t, f.clock.Now(), *stopped.ActualEndTime)
			assert.Nil(t, stopped.Refund)

			assert.Equal(t, 90, f.balance(t, "alice"))
			assert.False(t, f.outputs.Output(17).On())
			assert.Equal(t, []string{events.TypeLeaseStarted, events.TypeLeaseStopped}, f.publisher.Types())
		})
	}
}

func TestStopLease_CancelRefunds(t *testing.T) {
	tests := []struct {
		name        string
		elapsed     time.Duration
		wantRefund  int
		wantBalance int
	}{
		{"immediately", 0, 10, 100},
		{"after 125 seconds", 125 * time.Second, 8, 98},
		{"after one point", 120 * time.Second, 9, 99},
		{"at expected end", 1200 * time.Second, 0, 90},
		{"past expected end", 1500 * time.Second, 0, 90},
	}

	for name, opts := range modes() {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				f := newFixture(t, opts...)
				s := f.start(t, "alice", 10)

				f.clock.Advance(tt.elapsed)
				stopped, err := f.manager.StopLease(context.Background(), s.ID, models.SessionStatusCancelled)
				require.NoError(t, err)

				assert.Equal(t, models.SessionStatusCancelled, stopped.Status)
				assert.Equal(t, tt.wantRefund, stopped.RefundedPoints())
				if tt.wantRefund > 0 {
					require.NotNil(t, stopped.Refund)
					assert.Equal(t, tt.wantBalance, stopped.Refund.BalanceAfter)
				} else {
					assert.Nil(t, stopped.Refund)
				}
				assert.Equal(t, tt.wantBalance, f.balance(t, "alice"))
			})
		}
	}
}

func TestStopLease_UnknownStatusNormalizesToCompleted(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "alice", 10)

	stopped, err := f.manager.StopLease(context.Background(), s.ID, models.SessionStatus("paused"))
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, stopped.Status)
	assert.Equal(t, 90, f.balance(t, "alice"))
}

func TestStopLease_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.StopLease(context.Background(), 404, models.SessionStatusCancelled)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	assert.Equal(t, 100, f.balance(t, "alice"))
}

func TestStopLease_SecondStopRejected(t *testing.T) {
	for name, opts := range modes() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, opts...)
			s := f.start(t, "alice", 10)

			_, err := f.manager.StopLease(context.Background(), s.ID, models.SessionStatusCancelled)
			require.NoError(t, err)
			assert.Equal(t, 100, f.balance(t, "alice"))

			_, err = f.manager.StopLease(context.Background(), s.ID, models.SessionStatusCancelled)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
			assert.Equal(t, 100, f.balance(t, "alice"))
		})
	}
}

func TestStopLease_ConcurrentStopsRefundOnce(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "alice", 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.manager.StopLease(context.Background(), s.ID, models.SessionStatusCancelled); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 100, f.balance(t, "alice"))
}

func TestStartAfterStop(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "alice", 10)
	_, err := f.manager.StopLease(context.Background(), s.ID, models.SessionStatusCompleted)
	require.NoError(t, err)

	f.start(t, "alice", 20)
	assert.Equal(t, 70, f.balance(t, "alice"))
}

type failingRelay struct {
	mu          sync.Mutex
	deenergized []int
}

func (r *failingRelay) Energize(socket int) error {
	return apperrors.ActuationFailure(socket, errors.New("line busy"))
}

func (r *failingRelay) Deenergize(socket int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deenergized = append(r.deenergized, socket)
	return nil
}

func TestStartLease_ActuationFailureKeepsLease(t *testing.T) {
	f := newFixture(t, withRelay(&failingRelay{}))

	result, err := f.manager.StartLease(context.Background(), "alice", 10, models.SocketClassStandard, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusInProgress, result.Session.Status)
	assert.Equal(t, 90, f.balance(t, "alice"))
	assert.Equal(t, 1, f.logs.FilterMessage("socket energize failed, lease kept").Len())
}

func TestStartLease_StrictActuationRollsBack(t *testing.T) {
	for name, opts := range modes() {
		t.Run(name, func(t *testing.T) {
			r := &failingRelay{}
			f := newFixture(t, append(opts, withRelay(r), withStrictActuation())...)

			_, err := f.manager.StartLease(context.Background(), "alice", 10, models.SocketClassStandard, 1)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeActuationFailure))
			assert.Equal(t, 100, f.balance(t, "alice"))
			assert.Equal(t, []int{1}, r.deenergized)

			sessions, err := f.store.Query(context.Background(), models.SessionFilter{HolderID: "alice"})
			require.NoError(t, err)
			require.Len(t, sessions, 1)
			assert.Equal(t, models.SessionStatusCancelled, sessions[0].Status)
			assert.Equal(t, 10, sessions[0].RefundedPoints())
			assert.Empty(t, f.publisher.Events)

			active, err := f.manager.GetActiveLease(context.Background(), "alice")
			require.NoError(t, err)
			assert.Nil(t, active)
		})
	}
}

func TestStartLease_PublishFailureIsLogged(t *testing.T) {
	f := newFixture(t)
	f.publisher.PublishError = errors.New("broker down")

	_, err := f.manager.StartLease(context.Background(), "alice", 10, models.SocketClassStandard, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.logs.FilterMessage("failed to publish lease event").Len())
}

type blockingPublisher struct {
	events.FakePublisher
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPublisher) Publish(event events.Event) error {
	if event.Type == events.TypeLeaseStarted {
		close(p.entered)
		<-p.release
	}
	return p.FakePublisher.Publish(event)
}

func TestStopLease_NotBlockedBySlowPublish(t *testing.T) {
	publisher := &blockingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, withPublisher(publisher))
	defer close(publisher.release)

	started := make(chan error, 1)
	go func() {
		_, err := f.manager.StartLease(context.Background(), "alice", 10, models.SocketClassStandard, 1)
		started <- err
	}()

	select {
	case <-publisher.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("start never published")
	}

	active, err := f.manager.GetActiveLease(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, active)

	stopped := make(chan error, 1)
	go func() {
		_, err := f.manager.StopLease(context.Background(), active.ID, models.SessionStatusCompleted)
		stopped <- err
	}()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop waited on the start event publish")
	}
	assert.False(t, f.outputs.Output(17).On())

	select {
	case err := <-started:
		t.Fatalf("start returned before its publish was released: %v", err)
	default:
	}
}

func TestGetActiveLease(t *testing.T) {
	f := newFixture(t)

	active, err := f.manager.GetActiveLease(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, active)

	s := f.start(t, "alice", 10)
	active, err = f.manager.GetActiveLease(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, s.ID, active.ID)

	_, err = f.manager.StopLease(context.Background(), s.ID, models.SessionStatusCompleted)
	require.NoError(t, err)
	active, err = f.manager.GetActiveLease(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestGetActiveLease_Cache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := redisstore.NewStore(client, time.Hour)

	f := newFixture(t, withCache(cache))
	s := f.start(t, "alice", 10)

	cached, err := cache.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, s.ID, cached.SessionID)

	active, err := f.manager.GetActiveLease(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, s.ID, active.ID)

	_, err = f.manager.StopLease(context.Background(), s.ID, models.SessionStatusCompleted)
	require.NoError(t, err)
	assert.False(t, mr.Exists("leases:active:alice"))

	// a stale entry pointing at a finished session is ignored and evicted
	require.NoError(t, cache.Save(context.Background(), s))
	active, err = f.manager.GetActiveLease(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.False(t, mr.Exists("leases:active:alice"))
}

func TestGetActiveLease_CacheDownFallsBackToStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t, withCache(redisstore.NewStore(client, time.Hour)))
	s := f.start(t, "alice", 10)
	mr.Close()

	active, err := f.manager.GetActiveLease(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, s.ID, active.ID)
}

func TestListHistory(t *testing.T) {
	f := newFixture(t)
	var ids []int64
	for i := 0; i < 3; i++ {
		s := f.start(t, "alice", 5)
		ids = append(ids, s.ID)
		_, err := f.manager.StopLease(context.Background(), s.ID, models.SessionStatusCompleted)
		require.NoError(t, err)
	}
	f.store.PutAccount("dave", 100)
	f.start(t, "dave", 5)

	history, err := f.manager.ListHistory(context.Background(), "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []int64{ids[2], ids[1], ids[0]}, []int64{history[0].ID, history[1].ID, history[2].ID})

	history, err = f.manager.ListHistory(context.Background(), "alice", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ids[2], history[0].ID)

	all, err := f.manager.ListAll(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, "dave", all[0].HolderID)

	empty, err := f.manager.ListHistory(context.Background(), "nobody", 0)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestPageLimits(t *testing.T) {
	m := NewManager(Deps{}, Options{MaxPageSize: 3})
	sessions := make([]models.Session, 10)
	for i := range sessions {
		sessions[i] = models.Session{ID: int64(i + 1)}
	}

	assert.Len(t, m.page(append([]models.Session(nil), sessions...), 0, 50), 3)
	assert.Len(t, m.page(append([]models.Session(nil), sessions...), 2, 50), 2)

	page := m.page(append([]models.Session(nil), sessions...), 100, 50)
	require.Len(t, page, 3)
	assert.Equal(t, int64(10), page[0].ID)

	defaults := NewManager(Deps{}, Options{})
	assert.Equal(t, DefaultHistoryLimit, defaults.opts.DefaultHistoryLimit)
	assert.Equal(t, DefaultListLimit, defaults.opts.DefaultListLimit)
	assert.Equal(t, DefaultMaxPageSize, defaults.opts.MaxPageSize)
}

func TestComputeStats(t *testing.T) {
	f := newFixture(t)

	stats, err := f.manager.ComputeStats(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	s := f.start(t, "alice", 10)
	f.clock.Advance(600 * time.Second)
	_, err = f.manager.StopLease(context.Background(), s.ID, models.SessionStatusCompleted)
	require.NoError(t, err)

	s = f.start(t, "alice", 10)
	f.clock.Advance(125 * time.Second)
	_, err = f.manager.StopLease(context.Background(), s.ID, models.SessionStatusCancelled)
	require.NoError(t, err)

	stats, err = f.manager.ComputeStats(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, Stats{
		TotalSessions:           2,
		TotalPointsUsed:         12,
		TotalDuration:           725,
		CompletedSessions:       1,
		CancelledSessions:       1,
		AveragePointsPerSession: 6,
		AverageDuration:         363,
	}, stats)
}

func TestRoundDiv(t *testing.T) {
	assert.Equal(t, int64(0), roundDiv(10, 0))
	assert.Equal(t, int64(3), roundDiv(5, 2))
	assert.Equal(t, int64(2), roundDiv(7, 3))
	assert.Equal(t, int64(4), roundDiv(4, 1))
}

// Mocks for failure injection on the saga path.

type mockSessions struct {
	mock.Mock
}

func (m *mockSessions) Create(ctx context.Context, session *models.Session) (int64, error) {
	args := m.Called(ctx, session)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSessions) Get(ctx context.Context, id int64) (*models.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Session), args.Error(1)
}

func (m *mockSessions) Update(ctx context.Context, id int64, update models.SessionUpdate) (*models.Session, error) {
	args := m.Called(ctx, id, update)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Session), args.Error(1)
}

func (m *mockSessions) Query(ctx context.Context, filter models.SessionFilter) ([]models.Session, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]models.Session), args.Error(1)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) GetBalance(ctx context.Context, holderID string) (int, error) {
	args := m.Called(ctx, holderID)
	return args.Int(0), args.Error(1)
}

func (m *mockLedger) AdjustBalance(ctx context.Context, holderID string, delta int) (int, error) {
	args := m.Called(ctx, holderID, delta)
	return args.Int(0), args.Error(1)
}

func newSagaManager(sessions repository.SessionStore, ledger repository.AccountLedger, r Relay) (*Manager, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	clock := newFakeClock()
	return NewManager(Deps{
		Sessions: sessions,
		Ledger:   ledger,
		Relay:    r,
		Logger:   zap.New(core),
		Now:      clock.Now,
	}, Options{SecondsPerPoint: 120, Sockets: testSockets}), logs
}

func TestSaga_CreateFailureCreditsBack(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutAccount("alice", 100)

	sessions := &mockSessions{}
	sessions.On("Query", mock.Anything, mock.Anything).Return([]models.Session{}, nil)
	sessions.On("Create", mock.Anything, mock.Anything).Return(int64(0), apperrors.Database(errors.New("disk full")))

	m, _ := newSagaManager(sessions, store, &failingRelay{})

	_, err := m.StartLease(context.Background(), "alice", 10, models.SocketClassStandard, 1)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabase))

	balance, err := store.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 100, balance)
	sessions.AssertExpectations(t)
}

func TestSaga_FailedCreditBackIsReported(t *testing.T) {
	sessions := &mockSessions{}
	sessions.On("Query", mock.Anything, mock.Anything).Return([]models.Session{}, nil)
	sessions.On("Create", mock.Anything, mock.Anything).Return(int64(0), errors.New("connection reset"))

	ledger := &mockLedger{}
	ledger.On("GetBalance", mock.Anything, "alice").Return(100, nil)
	ledger.On("AdjustBalance", mock.Anything, "alice", -10).Return(90, nil)
	ledger.On("AdjustBalance", mock.Anything, "alice", 10).Return(0, errors.New("ledger unavailable"))

	m, logs := newSagaManager(sessions, ledger, &failingRelay{})

	_, err := m.StartLease(context.Background(), "alice", 10, models.SocketClassStandard, 1)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCompensationFailed))

	entries := logs.FilterField(zap.String("compensation", "credit_reservation")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	ledger.AssertExpectations(t)
}

func TestSaga_FinalizeFailureRevertsRefund(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutAccount("alice", 90)

	start := newFakeClock().Now()
	session := &models.Session{
		ID:              7,
		HolderID:        "alice",
		PointsReserved:  10,
		SocketClass:     models.SocketClassStandard,
		SocketNumber:    1,
		Status:          models.SessionStatusInProgress,
		StartTime:       start,
		ExpectedEndTime: start.Add(1200 * time.Second),
	}

	sessions := &mockSessions{}
	sessions.On("Get", mock.Anything, int64(7)).Return(session, nil)
	sessions.On("Update", mock.Anything, int64(7), mock.Anything).Return(nil, apperrors.Database(errors.New("timeout")))

	r := &failingRelay{}
	m, _ := newSagaManager(sessions, store, r)

	_, err := m.StopLease(context.Background(), 7, models.SessionStatusCancelled)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabase))

	balance, err := store.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 90, balance)
	assert.Empty(t, r.deenergized)
}

func TestSaga_FailedRefundRevertIsReported(t *testing.T) {
	start := newFakeClock().Now()
	session := &models.Session{
		ID:             7,
		HolderID:       "alice",
		PointsReserved: 10,
		SocketNumber:   1,
		Status:         models.SessionStatusInProgress,
		StartTime:      start,
	}

	sessions := &mockSessions{}
	sessions.On("Get", mock.Anything, int64(7)).Return(session, nil)
	sessions.On("Update", mock.Anything, int64(7), mock.Anything).Return(nil, errors.New("timeout"))

	ledger := &mockLedger{}
	ledger.On("AdjustBalance", mock.Anything, "alice", 10).Return(100, nil)
	ledger.On("AdjustBalance", mock.Anything, "alice", -10).Return(0, errors.New("ledger unavailable"))

	m, logs := newSagaManager(sessions, ledger, &failingRelay{})

	_, err := m.StopLease(context.Background(), 7, models.SessionStatusCancelled)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCompensationFailed))
	assert.Equal(t, 1, logs.FilterField(zap.String("compensation", "revert_refund")).Len())
}

func TestHolderLocks(t *testing.T) {
	locks := newHolderLocks()

	releaseA := locks.Lock("a")
	releaseB := locks.Lock("b")
	assert.Equal(t, 2, locks.size())

	acquired := make(chan struct{})
	go func() {
		release := locks.Lock("a")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on the same holder must wait")
	case <-time.After(20 * time.Millisecond):
	}

	releaseA()
	<-acquired
	releaseB()
	assert.Zero(t, locks.size())
}
