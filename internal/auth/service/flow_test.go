package service_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustlayer/internal/audit"
	"trustlayer/internal/auth/service"
	refreshtoken "trustlayer/internal/auth/store/refresh-token"
	jwttoken "trustlayer/internal/jwt_token"
	"trustlayer/internal/security/alerts"
	dErrors "trustlayer/pkg/domain-errors"
	"trustlayer/pkg/requestcontext"
	"trustlayer/pkg/testutil"
)

type recordingAlerts struct {
	mu  sync.Mutex
	got []alerts.Alert
}

func (r *recordingAlerts) Publish(_ context.Context, a alerts.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
}

type flowFixture struct {
	svc         *service.Service
	store       *refreshtoken.InMemoryRefreshTokenStore
	ledger      *audit.Ledger
	ledgerStore *audit.InMemoryStore
	alerts      *recordingAlerts
	t0          time.Time
}

func newFlowFixture() *flowFixture {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := jwttoken.NewJWTService(jwttoken.Config{
		AccessSecret:  "access-secret-for-flow-tests-0123456789",
		RefreshSecret: "refresh-secret-for-flow-tests-0123456789",
		Issuer:        "trustlayer-test",
	}, jwttoken.WithLogger(quiet))

	f := &flowFixture{
		store:       refreshtoken.New(),
		ledgerStore: audit.NewInMemoryStore(),
		alerts:      &recordingAlerts{},
		t0:          time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC),
	}
	f.ledger = audit.NewLedger(f.ledgerStore, audit.WithLogger(quiet))
	f.svc = service.New(f.store, tokens, f.ledger,
		service.WithLogger(quiet),
		service.WithAlertPublisher(f.alerts),
	)
	return f
}

func (f *flowFixture) at(d time.Duration) context.Context {
	ctx := requestcontext.WithTime(context.Background(), f.t0.Add(d))
	return requestcontext.WithClientMetadata(ctx, "192.0.2.10", "flow-test-agent")
}

func (f *flowFixture) ledgerActions(t *testing.T) []audit.Action {
	t.Helper()
	records, err := f.ledgerStore.ListAfter(context.Background(), 0, 100)
	require.NoError(t, err)
	out := make([]audit.Action, 0, len(records))
	for _, r := range records {
		out = append(out, r.Action)
	}
	return out
}

func TestRefreshTokenReuseRevokesWholeFamily(t *testing.T) {
	f := newFlowFixture()

	first, err := f.svc.StartSession(f.at(0), "user-1", nil)
	require.NoError(t, err)
	other, err := f.svc.StartSession(f.at(time.Minute), "user-1", nil)
	require.NoError(t, err)

	second, err := f.svc.Refresh(f.at(time.Hour), first.RefreshToken, nil)
	require.NoError(t, err)

	// The attacker replays the rotated token.
	_, err = f.svc.Refresh(f.at(2*time.Hour), first.RefreshToken, nil)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeReplayDetected))

	// The legitimate holder is logged out too, on every device.
	for _, tok := range []string{second.RefreshToken, other.RefreshToken} {
		_, err = f.svc.Refresh(f.at(3*time.Hour), tok, nil)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeReplayDetected))
	}

	require.NotEmpty(t, f.alerts.got)
	assert.Equal(t, alerts.TypeRefreshTokenReuse, f.alerts.got[0].Type)
	assert.Equal(t, "user-1", f.alerts.got[0].SubjectID)
	assert.Contains(t, f.ledgerActions(t), audit.ActionRefreshTokenReuse)

	result, err := f.ledger.VerifyChain(context.Background(), uuid.Nil, uuid.Nil)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestRefreshChainHonoursAbsoluteCeiling(t *testing.T) {
	f := newFlowFixture()
	pair, err := f.svc.StartSession(f.at(0), "user-1", nil)
	require.NoError(t, err)

	day := 24 * time.Hour
	for _, offset := range []time.Duration{6 * day, 12 * day, 18 * day, 24 * day, 29*day + 23*time.Hour} {
		pair, err = f.svc.Refresh(f.at(offset), pair.RefreshToken, nil)
		require.NoError(t, err, "refresh at %s", offset)
		assert.Equal(t, f.t0.Add(30*day), pair.AbsoluteExpiry.UTC(), "ceiling carried across rotations")
	}

	_, err = f.svc.Refresh(f.at(30*day+time.Hour), pair.RefreshToken, nil)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeSessionExpired))
}

func TestConcurrentRefreshOfOneTokenRotatesOnce(t *testing.T) {
	f := newFlowFixture()
	pair, err := f.svc.StartSession(f.at(0), "user-1", nil)
	require.NoError(t, err)

	const racers = 10
	var replays int32
	var mu sync.Mutex
	res := testutil.RunConcurrent(racers, func(int) error {
		_, err := f.svc.Refresh(f.at(time.Minute), pair.RefreshToken, nil)
		if dErrors.HasCode(err, dErrors.CodeReplayDetected) {
			mu.Lock()
			replays++
			mu.Unlock()
		}
		return err
	})

	assert.Equal(t, int32(1), res.Successes)
	assert.Equal(t, int32(racers-1), replays)
}

func TestLogoutThenRefreshIsReuse(t *testing.T) {
	f := newFlowFixture()
	pair, err := f.svc.StartSession(f.at(0), "user-1", nil)
	require.NoError(t, err)

	revoked, err := f.svc.Logout(f.at(time.Minute), pair.RefreshToken)
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = f.svc.Logout(f.at(2*time.Minute), pair.RefreshToken)
	require.NoError(t, err)
	assert.False(t, revoked, "logout is idempotent")

	_, err = f.svc.Refresh(f.at(3*time.Minute), pair.RefreshToken, nil)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeReplayDetected))
}

func TestForceLogoutAppendsToLedger(t *testing.T) {
	f := newFlowFixture()
	for range 3 {
		_, err := f.svc.StartSession(f.at(0), "user-1", nil)
		require.NoError(t, err)
	}

	res, err := f.svc.ForceLogout(f.at(time.Hour), "admin-7", "user-1", "lost device")
	require.NoError(t, err)
	assert.Equal(t, 3, res.RevokedCount)
	assert.Equal(t, []audit.Action{audit.ActionForceLogout}, f.ledgerActions(t))

	again, err := f.svc.ForceLogout(f.at(2*time.Hour), "admin-7", "user-1", "lost device")
	require.NoError(t, err)
	assert.Zero(t, again.RevokedCount)
	assert.Len(t, f.ledgerActions(t), 2)
}
