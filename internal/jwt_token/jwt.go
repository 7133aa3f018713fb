package jwttoken

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"trustlayer/internal/auth/device"
	dErrors "trustlayer/pkg/domain-errors"
	"trustlayer/pkg/requestcontext"
	"trustlayer/pkg/secrets"
)

const (
	DefaultAccessTTL          = 15 * time.Minute
	DefaultRefreshTTL         = 7 * 24 * time.Hour
	DefaultAbsoluteSessionTTL = 30 * 24 * time.Hour

	// uaHashPrefixLen is the number of hex characters of the keyed UA hash
	// embedded in access tokens.
	uaHashPrefixLen = 16
	uaKeyPurpose    = "trustlayer/access-token/ua-fingerprint"
)

// Config carries the signing material and lifetimes for JWTService.
type Config struct {
	AccessSecret       string
	RefreshSecret      string
	Issuer             string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	AbsoluteSessionTTL time.Duration
}

// AnomalyObserver receives session anomalies detected during access token
// verification. Implementations must not block.
type AnomalyObserver interface {
	SessionAnomaly(ctx context.Context, a Anomaly)
}

// JWTService issues and verifies access and refresh credentials. Access and
// refresh tokens are signed with distinct keys.
type JWTService struct {
	accessKey   []byte
	refreshKey  []byte
	uaKey       []byte
	issuer      string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	absoluteTTL time.Duration

	logger   *slog.Logger
	observer AnomalyObserver
}

type Option func(*JWTService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *JWTService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithAnomalyObserver(o AnomalyObserver) Option {
	return func(s *JWTService) {
		s.observer = o
	}
}

// NewJWTService builds the service. Missing secrets are not rejected here;
// issuance fails with a configuration error instead so non-production
// environments can defer secret validation.
func NewJWTService(cfg Config, opts ...Option) *JWTService {
	s := &JWTService{
		accessKey:   []byte(cfg.AccessSecret),
		refreshKey:  []byte(cfg.RefreshSecret),
		issuer:      cfg.Issuer,
		accessTTL:   cfg.AccessTTL,
		refreshTTL:  cfg.RefreshTTL,
		absoluteTTL: cfg.AbsoluteSessionTTL,
		logger:      slog.Default(),
	}
	if s.accessTTL <= 0 {
		s.accessTTL = DefaultAccessTTL
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = DefaultRefreshTTL
	}
	if s.absoluteTTL <= 0 {
		s.absoluteTTL = DefaultAbsoluteSessionTTL
	}
	if len(s.accessKey) > 0 {
		// The UA salt is derived from, never equal to, the access signing key.
		s.uaKey, _ = secrets.DeriveKey(s.accessKey, uaKeyPurpose, 32)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateAccessToken issues a 15 minute access token for subjectID bound
// to the optional session context.
func (s *JWTService) GenerateAccessToken(ctx context.Context, subjectID string, sc *SessionContext) (string, *AccessTokenClaims, error) {
	if len(s.accessKey) == 0 {
		return "", nil, dErrors.New(dErrors.CodeConfiguration, "access token secret is not configured")
	}
	if subjectID == "" {
		return "", nil, dErrors.New(dErrors.CodeInvalidInput, "subject id is required")
	}

	jti, err := secrets.NewTokenID()
	if err != nil {
		return "", nil, err
	}
	now := requestcontext.Now(ctx)

	claims := &AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			ID:        jti,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	if sc != nil {
		claims.Context = ContextClaim{IP: sc.IP, UA: s.fingerprintUA(sc.UserAgent)}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.accessKey)
	if err != nil {
		return "", nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign access token")
	}
	return signed, claims, nil
}

// GenerateRefreshToken issues a refresh token. sessionStart carries the
// original login time across rotations; nil starts a new session now.
func (s *JWTService) GenerateRefreshToken(ctx context.Context, subjectID string, sessionStart *time.Time) (string, *RefreshTokenClaims, error) {
	if len(s.refreshKey) == 0 {
		return "", nil, dErrors.New(dErrors.CodeConfiguration, "refresh token secret is not configured")
	}
	if subjectID == "" {
		return "", nil, dErrors.New(dErrors.CodeInvalidInput, "subject id is required")
	}

	jti, err := secrets.NewTokenID()
	if err != nil {
		return "", nil, err
	}
	now := requestcontext.Now(ctx)
	start := now
	if sessionStart != nil && !sessionStart.IsZero() {
		start = *sessionStart
	}

	claims := &RefreshTokenClaims{
		SessionStart:   jwt.NewNumericDate(start),
		AbsoluteExpiry: jwt.NewNumericDate(start.Add(s.absoluteTTL)),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			ID:        jti,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.refreshKey)
	if err != nil {
		return "", nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign refresh token")
	}
	return signed, claims, nil
}

// ValidateAccessToken verifies signature, algorithm, issuer and expiry. When
// sc is non-nil the embedded context is compared with it and mismatches are
// reported as session anomalies; verification still succeeds.
func (s *JWTService) ValidateAccessToken(ctx context.Context, tokenString string, sc *SessionContext) (*AccessTokenClaims, error) {
	claims := new(AccessTokenClaims)
	_, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc(s.accessKey), s.parserOptions(ctx)...)
	if err != nil {
		return nil, translateParseError(err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}

	if sc != nil {
		s.checkAnomaly(ctx, claims, sc)
	}
	return claims, nil
}

// ValidateRefreshToken verifies a refresh token. The absolute session ceiling
// is checked before the rolling expiry, so a token past its ceiling always
// yields a session-expired error.
func (s *JWTService) ValidateRefreshToken(ctx context.Context, tokenString string) (*RefreshTokenClaims, error) {
	claims, err := s.ParseRefreshTokenSkipClaimsValidation(tokenString)
	if err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	if claims.AbsoluteExpiry == nil || claims.SessionStart == nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	if now.After(claims.AbsoluteExpiry.Time) {
		return nil, dErrors.New(dErrors.CodeSessionExpired, "session lifetime exceeded, please log in again")
	}

	validator := jwt.NewValidator(
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err := validator.Validate(claims); err != nil {
		return nil, translateParseError(err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// ParseRefreshTokenSkipClaimsValidation parses a refresh token WITHOUT
// validating expiry or the session ceiling.
//
// It still validates the HS256 algorithm and the signature. Callers use it to
// recover the jti of a presented token for revocation and reuse checks, and
// must apply their own business validation against the persisted record.
func (s *JWTService) ParseRefreshTokenSkipClaimsValidation(tokenString string) (*RefreshTokenClaims, error) {
	if tokenString == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "empty token")
	}
	claims := new(RefreshTokenClaims)
	_, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc(s.refreshKey),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, translateParseError(err)
	}
	return claims, nil
}

// Authenticate verifies a bearer access token against the client metadata
// already stored on ctx and returns the subject and token id.
func (s *JWTService) Authenticate(ctx context.Context, tokenString string) (subjectID, jti string, err error) {
	sc := &SessionContext{
		IP:        requestcontext.ClientIP(ctx),
		UserAgent: requestcontext.UserAgent(ctx),
	}
	claims, err := s.ValidateAccessToken(ctx, tokenString, sc)
	if err != nil {
		return "", "", err
	}
	return claims.Subject, claims.ID, nil
}

func (s *JWTService) keyFunc(key []byte) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, jwt.ErrTokenUnverifiable
		}
		if len(key) == 0 {
			return nil, jwt.ErrTokenUnverifiable
		}
		return key, nil
	}
}

func (s *JWTService) parserOptions(ctx context.Context) []jwt.ParserOption {
	now := requestcontext.Now(ctx)
	return []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
}

func (s *JWTService) fingerprintUA(userAgent string) string {
	if userAgent == "" || len(s.uaKey) == 0 {
		return ""
	}
	return secrets.KeyedHash(s.uaKey, userAgent)[:uaHashPrefixLen]
}

func (s *JWTService) checkAnomaly(ctx context.Context, claims *AccessTokenClaims, sc *SessionContext) {
	a := Anomaly{
		SubjectID: claims.Subject,
		TokenID:   claims.ID,
		TokenIP:   claims.Context.IP,
		RequestIP: sc.IP,
		UserAgent: sc.UserAgent,
		DeviceID:  requestcontext.DeviceID(ctx),
	}
	if claims.Context.IP != "" && sc.IP != "" && claims.Context.IP != sc.IP {
		a.IPMismatch = true
	}
	if claims.Context.UA != "" && !secrets.Equal(claims.Context.UA, s.fingerprintUA(sc.UserAgent)) {
		a.UAMismatch = true
	}
	if !a.IPMismatch && !a.UAMismatch {
		return
	}

	s.logger.WarnContext(ctx, "session anomaly",
		"subject_id", a.SubjectID,
		"jti", a.TokenID,
		"ip_mismatch", a.IPMismatch,
		"ua_mismatch", a.UAMismatch,
		"token_ip", a.TokenIP,
		"request_ip", a.RequestIP,
		"device_id", a.DeviceID,
		"device", device.ParseUserAgent(a.UserAgent),
		"request_id", requestcontext.RequestID(ctx),
	)
	if s.observer != nil {
		s.observer.SessionAnomaly(ctx, a)
	}
}

func translateParseError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return dErrors.New(dErrors.CodeUnauthorized, "token expired")
	}
	return dErrors.New(dErrors.CodeUnauthorized, "invalid token")
}
