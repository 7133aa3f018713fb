package idempotency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyFor(t *testing.T) {
	body := []byte(`{"amount":10}`)

	t.Run("deterministic without header", func(t *testing.T) {
		assert.Equal(t,
			KeyFor("", "POST", "/v1/invoices", "u1", body),
			KeyFor("", "post", "/v1/invoices", "u1", body))
	})

	t.Run("every derived field matters", func(t *testing.T) {
		base := KeyFor("", "POST", "/v1/invoices", "u1", body)
		assert.NotEqual(t, base, KeyFor("", "PUT", "/v1/invoices", "u1", body))
		assert.NotEqual(t, base, KeyFor("", "POST", "/v1/invoice", "u1", body))
		assert.NotEqual(t, base, KeyFor("", "POST", "/v1/invoices", "u2", body))
		assert.NotEqual(t, base, KeyFor("", "POST", "/v1/invoices", "u1", []byte(`{}`)))
	})

	t.Run("header takes precedence over request fields", func(t *testing.T) {
		assert.Equal(t,
			KeyFor("abc", "POST", "/a", "u1", []byte("x")),
			KeyFor(" abc ", "PATCH", "/b", "u1", []byte("y")))
	})

	t.Run("header keys are namespaced by caller", func(t *testing.T) {
		assert.NotEqual(t, KeyFor("abc", "POST", "/a", "u1", nil), KeyFor("abc", "POST", "/a", "u2", nil))
	})

	t.Run("header and derived keys never collide", func(t *testing.T) {
		assert.NotEqual(t, KeyFor("x", "POST", "/a", "u1", nil)[:2], KeyFor("", "POST", "/a", "u1", nil)[:2])
	})
}
