package idempotency_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"trustlayer/internal/idempotency"
	"trustlayer/internal/idempotency/mocks"
	dErrors "trustlayer/pkg/domain-errors"
	"trustlayer/pkg/platform/circuit"
	"trustlayer/pkg/platform/sentinel"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeClock is a manually advanced time source.
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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type GuardSuite struct {
	suite.Suite
	clock   *fakeClock
	store   *idempotency.InMemoryStore
	metrics *idempotency.Metrics
	guard   *idempotency.Guard
	ctx     context.Context
}

func TestGuardSuite(t *testing.T) {
	suite.Run(t, new(GuardSuite))
}

func (s *GuardSuite) SetupTest() {
	s.clock = &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	s.store = idempotency.NewInMemoryStore(idempotency.WithClock(s.clock.Now))
	s.metrics = idempotency.NewMetrics(prometheus.NewRegistry())
	s.guard = idempotency.NewGuard(s.store,
		idempotency.WithLogger(quietLogger),
		idempotency.WithMetrics(s.metrics),
		idempotency.WithLockTTL(30*time.Second),
		idempotency.WithWaitTimeout(200*time.Millisecond),
		idempotency.WithPollInterval(5*time.Millisecond),
	)
	s.ctx = context.Background()
}

func (s *GuardSuite) TestUnguardedRequestsProceed() {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions} {
		d, err := s.guard.Check(s.ctx, "k1", method)
		s.Require().NoError(err)
		s.Equal(idempotency.OutcomeProceed, d.Outcome, method)
		s.Nil(d.Lease)
	}

	d, err := s.guard.Check(s.ctx, "", http.MethodPost)
	s.Require().NoError(err)
	s.Equal(idempotency.OutcomeProceed, d.Outcome)
}

func (s *GuardSuite) TestCommittedSuccessIsReplayed() {
	d, err := s.guard.Check(s.ctx, "k1", http.MethodPost)
	s.Require().NoError(err)
	s.Require().Equal(idempotency.OutcomeExecute, d.Outcome)
	s.Require().NoError(s.guard.Commit(s.ctx, d.Lease, http.StatusCreated, "application/json", []byte(`{"id":1}`)))

	again, err := s.guard.Check(s.ctx, "k1", http.MethodPost)
	s.Require().NoError(err)
	s.Equal(idempotency.OutcomeReplay, again.Outcome)
	s.Equal(http.StatusCreated, again.Cached.Status)
	s.Equal("application/json", again.Cached.ContentType)
	s.JSONEq(`{"id":1}`, string(again.Cached.Body))
	s.InDelta(1, promtest.ToFloat64(s.metrics.Decisions.WithLabelValues("replay")), 0)
}

func (s *GuardSuite) TestFailureReleasesKey() {
	d, err := s.guard.Check(s.ctx, "k1", http.MethodPost)
	s.Require().NoError(err)
	s.Require().NoError(s.guard.Commit(s.ctx, d.Lease, http.StatusUnprocessableEntity, "application/json", []byte(`{}`)))

	retry, err := s.guard.Check(s.ctx, "k1", http.MethodPost)
	s.Require().NoError(err)
	s.Equal(idempotency.OutcomeExecute, retry.Outcome, "non-2xx must not poison the key")
}

func (s *GuardSuite) TestCachedEntryExpires() {
	d, err := s.guard.Check(s.ctx, "k1", http.MethodPut)
	s.Require().NoError(err)
	s.Require().NoError(s.guard.Commit(s.ctx, d.Lease, http.StatusOK, "", nil))

	s.clock.Advance(idempotency.DefaultTTL + time.Second)
	again, err := s.guard.Check(s.ctx, "k1", http.MethodPut)
	s.Require().NoError(err)
	s.Equal(idempotency.OutcomeExecute, again.Outcome)
}

func (s *GuardSuite) TestDuplicateWaitsForInFlightResult() {
	first, err := s.guard.Check(s.ctx, "k1", http.MethodPost)
	s.Require().NoError(err)

	done := make(chan idempotency.Decision, 1)
	go func() {
		d, err := s.guard.Check(s.ctx, "k1", http.MethodPost)
		s.NoError(err)
		done <- d
	}()

	time.Sleep(20 * time.Millisecond)
	s.Require().NoError(s.guard.Commit(s.ctx, first.Lease, http.StatusCreated, "text/plain", []byte("made")))

	select {
	case d := <-done:
		s.Equal(idempotency.OutcomeReplay, d.Outcome)
		s.Equal("made", string(d.Cached.Body))
	case <-time.After(time.Second):
		s.Fail("duplicate never observed the committed result")
	}
}

func (s *GuardSuite) TestDuplicateTimesOutWithConflict() {
	_, err := s.guard.Check(s.ctx, "k1", http.MethodPost)
	s.Require().NoError(err)

	_, err = s.guard.Check(s.ctx, "k1", http.MethodPost)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *GuardSuite) TestWaitingDuplicateHonoursCancellation() {
	_, err := s.guard.Check(s.ctx, "k1", http.MethodPost)
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.guard.Check(ctx, "k1", http.MethodPost)
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
}

func (s *GuardSuite) TestExpiredLeaseCannotCommit() {
	stale, err := s.guard.Check(s.ctx, "k1", http.MethodPost)
	s.Require().NoError(err)

	s.clock.Advance(31 * time.Second)
	fresh, err := s.guard.Check(s.ctx, "k1", http.MethodPost)
	s.Require().NoError(err)
	s.Require().Equal(idempotency.OutcomeExecute, fresh.Outcome)

	err = s.guard.Commit(s.ctx, stale.Lease, http.StatusCreated, "", []byte("stale"))
	s.ErrorIs(err, sentinel.ErrConflict)
	s.InDelta(1, promtest.ToFloat64(s.metrics.LostLeases), 0)

	s.Require().NoError(s.guard.Commit(s.ctx, fresh.Lease, http.StatusCreated, "", []byte("fresh")))
	d, err := s.guard.Check(s.ctx, "k1", http.MethodPost)
	s.Require().NoError(err)
	s.Equal("fresh", string(d.Cached.Body))
}

func (s *GuardSuite) TestAbandonWithCancelledContextReleases() {
	ctx, cancel := context.WithCancel(s.ctx)
	d, err := s.guard.Check(ctx, "k1", http.MethodPost)
	s.Require().NoError(err)
	cancel()

	s.Require().NoError(s.guard.Abandon(ctx, d.Lease))

	retry, err := s.guard.Check(s.ctx, "k1", http.MethodPost)
	s.Require().NoError(err)
	s.Equal(idempotency.OutcomeExecute, retry.Outcome)
}

func TestGuardDegradesWhenStoreUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	metrics := idempotency.NewMetrics(prometheus.NewRegistry())
	guard := idempotency.NewGuard(store, idempotency.WithLogger(quietLogger), idempotency.WithMetrics(metrics))

	store.EXPECT().Begin(gomock.Any(), "k1", gomock.Any(), idempotency.DefaultLockTTL).
		Return(idempotency.BeginResult{}, errors.Join(sentinel.ErrUnavailable, errors.New("dial tcp: refused")))

	d, err := guard.Check(context.Background(), "k1", http.MethodPost)
	if err != nil {
		t.Fatalf("degraded check must not fail: %v", err)
	}
	if d.Outcome != idempotency.OutcomeProceed || d.Lease != nil {
		t.Fatalf("expected unprotected proceed, got %+v", d)
	}
	if got := promtest.ToFloat64(metrics.StoreErrors.WithLabelValues("begin")); got != 1 {
		t.Fatalf("expected one begin store error, got %v", got)
	}
}

func TestGuardCommitRoutesByStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	guard := idempotency.NewGuard(store, idempotency.WithLogger(quietLogger), idempotency.WithTTL(time.Hour))
	lease := &idempotency.Lease{Key: "k1", Owner: "o1"}

	gomock.InOrder(
		store.EXPECT().Complete(gomock.Any(), "k1", "o1",
			idempotency.Response{Status: 204, ContentType: "", Body: nil}, time.Hour).Return(nil),
		store.EXPECT().Release(gomock.Any(), "k1", "o1").Return(nil),
		store.EXPECT().Release(gomock.Any(), "k1", "o1").Return(nil),
	)

	ctx := context.Background()
	if err := guard.Commit(ctx, lease, http.StatusNoContent, "", nil); err != nil {
		t.Fatal(err)
	}
	if err := guard.Commit(ctx, lease, http.StatusInternalServerError, "", nil); err != nil {
		t.Fatal(err)
	}
	if err := guard.Commit(ctx, lease, http.StatusFound, "", nil); err != nil {
		t.Fatal(err)
	}
	if err := guard.Commit(ctx, nil, http.StatusOK, "", nil); err != nil {
		t.Fatal(err)
	}
}

func TestGuardStopsCallingFailingStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	metrics := idempotency.NewMetrics(prometheus.NewRegistry())
	guard := idempotency.NewGuard(store,
		idempotency.WithLogger(quietLogger),
		idempotency.WithMetrics(metrics),
		idempotency.WithBreaker(circuit.New("test", circuit.WithFailureThreshold(2), circuit.WithCooldown(time.Hour))),
	)

	store.EXPECT().Begin(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(idempotency.BeginResult{}, errors.Join(sentinel.ErrUnavailable, errors.New("i/o timeout"))).
		Times(2)

	for range 4 {
		d, err := guard.Check(context.Background(), "k1", http.MethodPost)
		if err != nil || d.Outcome != idempotency.OutcomeProceed {
			t.Fatalf("expected unprotected proceed, got %+v, %v", d, err)
		}
	}
	if got := promtest.ToFloat64(metrics.StoreErrors.WithLabelValues("circuit_open")); got != 2 {
		t.Fatalf("expected two short-circuited checks, got %v", got)
	}
}
