package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(h *Handler, path string) (*httptest.ResponseRecorder, Response) {
	rr := httptest.NewRecorder()
	h.HandleReadiness(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var resp Response
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	return rr, resp
}

func TestReadiness(t *testing.T) {
	up := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	t.Run("all up", func(t *testing.T) {
		h := New("test")
		h.RegisterCheck("database", up)
		h.RegisterOptional("redis", up)

		rr, resp := serve(h, "/healthz")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "ready", resp.Status)
		assert.Equal(t, map[string]string{"database": "up", "redis": "up"}, resp.Checks)
	})

	t.Run("optional down stays ready", func(t *testing.T) {
		h := New("test")
		h.RegisterCheck("database", up)
		h.RegisterOptional("redis", down)

		rr, resp := serve(h, "/healthz")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "degraded: connection refused", resp.Checks["redis"])
	})

	t.Run("required down", func(t *testing.T) {
		h := New("test")
		h.RegisterCheck("database", down)

		rr, resp := serve(h, "/healthz")
		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "not_ready", resp.Status)
	})

	t.Run("checks share a deadline", func(t *testing.T) {
		h := New("test")
		h.checkTimeout = 10 * time.Millisecond
		h.RegisterCheck("slow", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})

		rr, _ := serve(h, "/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}
