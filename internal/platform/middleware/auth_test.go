package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	dErrors "trustlayer/pkg/domain-errors"
	"trustlayer/pkg/requestcontext"
)

// MockAuthenticator is a testify mock for AccessAuthenticator
type MockAuthenticator struct {
	mock.Mock
}

func (m *MockAuthenticator) Authenticate(ctx context.Context, token string) (string, string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.String(1), args.Error(2)
}

// mockHandler captures whether it was called and the context it saw
type mockHandler struct {
	called  bool
	context context.Context
}

func (m *mockHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.called = true
	m.context = r.Context()
	w.WriteHeader(http.StatusOK)
}

type AuthMiddlewareTestSuite struct {
	suite.Suite
	authenticator *MockAuthenticator
	nextHandler   *mockHandler
	middleware    func(http.Handler) http.Handler
}

func TestAuthMiddlewareTestSuite(t *testing.T) {
	suite.Run(t, new(AuthMiddlewareTestSuite))
}

func (s *AuthMiddlewareTestSuite) SetupTest() {
	s.authenticator = new(MockAuthenticator)
	s.nextHandler = &mockHandler{}
	s.middleware = RequireAuth(s.authenticator, slog.Default())
}

func (s *AuthMiddlewareTestSuite) TearDownTest() {
	s.authenticator.AssertExpectations(s.T())
}

func (s *AuthMiddlewareTestSuite) makeRequest(authHeader string) *httptest.ResponseRecorder {
	handler := s.middleware(s.nextHandler)
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func (s *AuthMiddlewareTestSuite) TestValidToken() {
	s.authenticator.On("Authenticate", mock.Anything, "valid-token").Return("user-123", "jti-1", nil)

	w := s.makeRequest("Bearer valid-token")

	require.True(s.T(), s.nextHandler.called, "next handler should be called")
	assert.Equal(s.T(), http.StatusOK, w.Code)
	subject, jti := requestcontext.Subject(s.nextHandler.context)
	assert.Equal(s.T(), "user-123", subject)
	assert.Equal(s.T(), "jti-1", jti)
}

func (s *AuthMiddlewareTestSuite) TestExpiredToken() {
	s.authenticator.On("Authenticate", mock.Anything, "old-token").
		Return("", "", dErrors.New(dErrors.CodeUnauthorized, "token expired"))

	w := s.makeRequest("Bearer old-token")

	assert.False(s.T(), s.nextHandler.called, "next handler should not be called")
	assert.Equal(s.T(), http.StatusUnauthorized, w.Code)
	assert.Equal(s.T(), "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(s.T(), `{"error":"unauthorized","error_description":"token expired"}`, w.Body.String())
}

func (s *AuthMiddlewareTestSuite) TestMissingAuthorizationHeader() {
	w := s.makeRequest("")

	assert.False(s.T(), s.nextHandler.called, "next handler should not be called")
	assert.Equal(s.T(), http.StatusUnauthorized, w.Code)
	assert.JSONEq(s.T(),
		`{"error":"unauthorized","error_description":"Missing or invalid Authorization header"}`,
		w.Body.String(),
	)
}

func (s *AuthMiddlewareTestSuite) TestInvalidAuthorizationFormats() {
	testCases := []struct {
		name       string
		authHeader string
	}{
		{"no bearer prefix", "token-without-bearer"},
		{"wrong prefix", "Basic dXNlcjpwYXNz"},
		{"lowercase bearer", "bearer token"},
		{"bearer without space", "Bearertoken"},
		{"bearer with blank token", "Bearer    "},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			next := &mockHandler{}
			handler := RequireAuth(s.authenticator, slog.Default())(next)

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set("Authorization", tc.authHeader)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.False(s.T(), next.called, "next handler should not be called")
			assert.Equal(s.T(), http.StatusUnauthorized, w.Code)
		})
	}
}

func TestRequireAdminToken(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		header   string
		want     int
	}{
		{"matching token", "ops-secret", "ops-secret", http.StatusOK},
		{"wrong token", "ops-secret", "guess", http.StatusForbidden},
		{"missing header", "ops-secret", "", http.StatusForbidden},
		{"admin disabled", "", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &mockHandler{}
			handler := RequireAdminToken(tt.expected, slog.Default())(next)

			req := httptest.NewRequest(http.MethodPost, "/v1/admin/x", nil)
			if tt.header != "" {
				req.Header.Set(HeaderAdminToken, tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.want == http.StatusOK, next.called)
		})
	}
}
