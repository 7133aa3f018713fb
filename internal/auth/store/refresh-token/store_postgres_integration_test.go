//go:build integration

package refreshtoken_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"trustlayer/internal/auth/models"
	refreshtoken "trustlayer/internal/auth/store/refresh-token"
	"trustlayer/pkg/platform/sentinel"
	"trustlayer/pkg/testutil"
	"trustlayer/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *refreshtoken.PostgresStore
	now      time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = refreshtoken.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "refresh_tokens"))
	s.now = time.Now().UTC().Truncate(time.Microsecond)
}

func (s *PostgresStoreSuite) record(jti, subject string) *models.RefreshTokenRecord {
	rec, err := models.NewRefreshTokenRecord(jti, subject, s.now, s.now.Add(30*24*time.Hour), s.now.Add(7*24*time.Hour), s.now)
	s.Require().NoError(err)
	return rec
}

func (s *PostgresStoreSuite) TestCreateFindRoundTrip() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, s.record("jti-a", "user-1")))

	found, err := s.store.FindByJTI(ctx, "jti-a")
	s.Require().NoError(err)
	s.Equal("user-1", found.SubjectID)
	s.True(found.AbsoluteExpiry.Equal(s.now.Add(30 * 24 * time.Hour)))

	s.ErrorIs(s.store.Create(ctx, s.record("jti-a", "user-1")), sentinel.ErrConflict)
}

func (s *PostgresStoreSuite) TestTokenRotationRace() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, s.record("jti-a", "user-1")))

	result := testutil.RunConcurrent(10, func(idx int) error {
		return s.store.Rotate(ctx, "jti-a", s.record(fmt.Sprintf("jti-next-%d", idx), "user-1"), s.now)
	})

	s.Equal(int32(1), result.Successes, "exactly one rotation wins the row lock")
	s.Equal(int32(9), result.Revoked)

	var successors int
	s.Require().NoError(s.postgres.QueryRow(ctx,
		`SELECT COUNT(*) FROM refresh_tokens WHERE jti LIKE 'jti-next-%'`).Scan(&successors))
	s.Equal(1, successors, "losing rotations roll back their inserts")
}

func (s *PostgresStoreSuite) TestRevokeAllForSubject() {
	ctx := context.Background()
	for i := range 3 {
		s.Require().NoError(s.store.Create(ctx, s.record(fmt.Sprintf("u1-%d", i), "user-1")))
	}
	s.Require().NoError(s.store.Create(ctx, s.record("u2-0", "user-2")))
	s.Require().NoError(s.store.Revoke(ctx, "u1-0", models.ReasonLogout, s.now))
	s.ErrorIs(s.store.Revoke(ctx, "u1-0", models.ReasonLogout, s.now), sentinel.ErrAlreadyRevoked)
	s.ErrorIs(s.store.Revoke(ctx, "ghost", models.ReasonLogout, s.now), sentinel.ErrNotFound)

	count, err := s.store.RevokeAllForSubject(ctx, "user-1", models.ReasonReuseDetected, s.now)
	s.Require().NoError(err)
	s.Equal(2, count)

	other, err := s.store.FindByJTI(ctx, "u2-0")
	s.Require().NoError(err)
	s.False(other.Revoked)
}

func (s *PostgresStoreSuite) TestDeleteExpired() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, s.record("fresh", "user-1")))
	stale := s.record("stale", "user-1")
	stale.CreatedAt = s.now.Add(-8 * 24 * time.Hour)
	stale.ExpiresAt = s.now.Add(-time.Hour)
	s.Require().NoError(s.store.Create(ctx, stale))

	deleted, err := s.store.DeleteExpired(ctx, s.now)
	s.Require().NoError(err)
	s.Equal(1, deleted)
}
