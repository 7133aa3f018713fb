package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"trustlayer/internal/audit"
	"trustlayer/internal/auth/service"
	refreshtoken "trustlayer/internal/auth/store/refresh-token"
	jwttoken "trustlayer/internal/jwt_token"
	"trustlayer/internal/platform/config"
)

type fakePurger struct {
	cutoff time.Time
	n      int64
}

func (p *fakePurger) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	p.cutoff = now
	return p.n, nil
}

type CLISuite struct {
	suite.Suite
	ledger  *audit.Ledger
	purger  *fakePurger
	refresh *refreshtoken.InMemoryRefreshTokenStore
	restore func()
}

func TestCLISuite(t *testing.T) {
	suite.Run(t, new(CLISuite))
}

func (s *CLISuite) SetupTest() {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.ledger = audit.NewLedger(audit.NewInMemoryStore(), audit.WithLogger(quiet))
	s.purger = &fakePurger{n: 4}
	s.refresh = refreshtoken.New()
	tokens := jwttoken.NewJWTService(jwttoken.Config{
		AccessSecret:       "access-secret-for-cli-tests-000000000",
		RefreshSecret:      "refresh-secret-for-cli-tests-11111111",
		Issuer:             "trustlayer",
		AccessTTL:          15 * time.Minute,
		RefreshTTL:         7 * 24 * time.Hour,
		AbsoluteSessionTTL: 30 * 24 * time.Hour,
	})
	sessions := service.New(s.refresh, tokens, s.ledger, service.WithLogger(quiet))

	original := openBackend
	openBackend = func(context.Context, *config.Config, *slog.Logger) (*backend, error) {
		return &backend{ledger: s.ledger, purger: s.purger, sessions: sessions, close: func() {}}, nil
	}
	s.restore = func() { openBackend = original }
}

func (s *CLISuite) TearDownTest() {
	s.restore()
}

func (s *CLISuite) execute(args ...string) (string, error) {
	var out bytes.Buffer
	root := NewRootCommand(&out)
	root.SetArgs(args)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (s *CLISuite) appendEntry(subject string) *audit.Record {
	rec, err := s.ledger.Append(context.Background(), audit.Entry{
		ActorID:    "admin-1",
		Action:     audit.ActionForceLogout,
		EntityType: "subject",
		EntityID:   subject,
	})
	s.Require().NoError(err)
	return rec
}

func (s *CLISuite) TestLedgerVerify() {
	first := s.appendEntry("subject-1")
	s.appendEntry("subject-2")
	last := s.appendEntry("subject-3")

	out, err := s.execute("ledger", "verify")
	s.Require().NoError(err)
	s.Equal("OK: 3 records verified\n", out)

	out, err = s.execute("ledger", "verify", "--from", first.ID.String(), "--to", last.ID.String(), "--json")
	s.Require().NoError(err)
	var res audit.VerifyResult
	s.Require().NoError(json.Unmarshal([]byte(out), &res))
	s.True(res.Valid)
	s.Equal(3, res.Checked)
}

func (s *CLISuite) TestLedgerVerifyRejectsBadBound() {
	_, err := s.execute("ledger", "verify", "--from", "not-a-uuid")
	s.ErrorContains(err, "--from must be a record id")
}

func (s *CLISuite) TestLedgerPurge() {
	out, err := s.execute("ledger", "purge", "--before", "2020-01-02T03:04:05Z")
	s.Require().NoError(err)
	s.Equal(time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC), s.purger.cutoff)
	s.Contains(out, "purged 4 records")

	_, err = s.execute("ledger", "purge", "--before", "yesterday")
	s.ErrorContains(err, "RFC3339")
}

func (s *CLISuite) TestSessionStartAndRevoke() {
	out, err := s.execute("session", "start", "--subject", "subject-9", "--json")
	s.Require().NoError(err)
	var pair sessionOutput
	s.Require().NoError(json.Unmarshal([]byte(out), &pair))
	s.Equal("subject-9", pair.SubjectID)
	s.NotEmpty(pair.AccessToken)
	s.NotEmpty(pair.RefreshToken)

	out, err = s.execute("session", "revoke", "--subject", "subject-9", "--actor", "ops", "--reason", "laptop stolen")
	s.Require().NoError(err)
	s.Equal("revoked 1 refresh tokens for subject-9\n", out)

	res, err := s.ledger.VerifyChain(context.Background(), uuid.Nil, uuid.Nil)
	s.Require().NoError(err)
	s.Equal(1, res.Checked)
}

func TestSessionRevokeRequiresReason(t *testing.T) {
	var out bytes.Buffer
	root := NewRootCommand(&out)
	root.SetArgs([]string{"session", "revoke", "--subject", "s"})
	root.SetErr(io.Discard)
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reason")
}
