// Package device issues and verifies the signed deviceId cookie that ties a
// browser to its sessions. The identifier is never persisted server side.
package device

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"trustlayer/pkg/requestcontext"
	"trustlayer/pkg/secrets"
)

const (
	CookieName = "deviceId"
	CookieTTL  = 7 * 24 * time.Hour

	idBytes    = 32
	keyPurpose = "trustlayer/device-cookie"
)

// Service signs device identifiers with a key derived from the configured
// secret.
type Service struct {
	key        []byte
	production bool
	domain     string
}

type Option func(*Service)

// WithDomain scopes the cookie to a parent domain.
func WithDomain(domain string) Option {
	return func(s *Service) {
		s.domain = domain
	}
}

// NewService fails with a configuration error when secret is empty.
func NewService(secret []byte, production bool, opts ...Option) (*Service, error) {
	key, err := secrets.DeriveKey(secret, keyPurpose, 32)
	if err != nil {
		return nil, err
	}
	s := &Service{key: key, production: production}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue returns a fresh identifier: 32 random bytes, base64url encoded.
func (s *Service) Issue() (string, error) {
	buf, err := secrets.RandomBytes(idBytes)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Attach sets the signed cookie carrying id.
func (s *Service) Attach(w http.ResponseWriter, id string) {
	c := s.cookie(id + "." + s.sign(id))
	c.MaxAge = int(CookieTTL.Seconds())
	c.Expires = time.Now().Add(CookieTTL)
	http.SetCookie(w, c)
}

// Read returns the identifier from a valid cookie. A missing, malformed or
// tampered cookie reports false.
func (s *Service) Read(r *http.Request) (string, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	id, sig, ok := strings.Cut(c.Value, ".")
	if !ok || id == "" || sig == "" {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil || len(raw) != idBytes {
		return "", false
	}
	if !secrets.Equal(sig, s.sign(id)) {
		return "", false
	}
	return id, true
}

// Clear expires the cookie using the attributes Attach sets.
func (s *Service) Clear(w http.ResponseWriter) {
	c := s.cookie("")
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	http.SetCookie(w, c)
}

// Middleware puts the device id on the request context, issuing and
// attaching a new one when the request carries none.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.Read(r)
		if !ok {
			fresh, err := s.Issue()
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			s.Attach(w, fresh)
			id = fresh
		}
		next.ServeHTTP(w, r.WithContext(requestcontext.WithDeviceID(r.Context(), id)))
	})
}

func (s *Service) sign(id string) string {
	return secrets.KeyedHash(s.key, id)
}

func (s *Service) cookie(value string) *http.Cookie {
	c := &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Domain:   s.domain,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	if s.production {
		c.Secure = true
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}
