package idempotency_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"trustlayer/internal/idempotency"
	"trustlayer/internal/idempotency/mocks"
	"trustlayer/pkg/platform/httputil"
	"trustlayer/pkg/platform/sentinel"
	"trustlayer/pkg/requestcontext"
	"trustlayer/pkg/testutil"
)

// counterHandler performs one side effect per execution.
type counterHandler struct {
	calls  atomic.Int32
	delay  time.Duration
	status func(call int32) int
}

func (h *counterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := h.calls.Add(1)
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	status := http.StatusCreated
	if h.status != nil {
		status = h.status(n)
	}
	httputil.WriteJSON(w, status, map[string]any{"count": n})
}

func newTestGuard(opts ...idempotency.Option) *idempotency.Guard {
	base := []idempotency.Option{
		idempotency.WithLogger(quietLogger),
		idempotency.WithPollInterval(2 * time.Millisecond),
		idempotency.WithWaitTimeout(2 * time.Second),
	}
	return idempotency.NewGuard(idempotency.NewInMemoryStore(), append(base, opts...)...)
}

func doRequest(h http.Handler, method, path, subject, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(idempotency.HeaderKey, key)
	}
	if subject != "" {
		req = req.WithContext(requestcontext.WithSubject(req.Context(), subject, "jti-"+subject))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestMiddlewareReplaysFirstSuccess(t *testing.T) {
	next := &counterHandler{}
	h := idempotency.Middleware(newTestGuard())(next)

	first := doRequest(h, http.MethodPost, "/v1/invoices", "user-1", "key-1", `{"amount":10}`)
	second := doRequest(h, http.MethodPost, "/v1/invoices", "user-1", "key-1", `{"amount":10}`)

	assert.Equal(t, int32(1), next.calls.Load(), "side effect must run exactly once")
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Empty(t, first.Header().Get(idempotency.HeaderReplayed))
	assert.Equal(t, "true", second.Header().Get(idempotency.HeaderReplayed))
}

func TestMiddlewareDoesNotCacheFailures(t *testing.T) {
	next := &counterHandler{status: func(call int32) int {
		if call == 1 {
			return http.StatusServiceUnavailable
		}
		return http.StatusCreated
	}}
	h := idempotency.Middleware(newTestGuard())(next)

	failed := doRequest(h, http.MethodPost, "/v1/invoices", "user-1", "key-1", `{}`)
	retried := doRequest(h, http.MethodPost, "/v1/invoices", "user-1", "key-1", `{}`)
	replayed := doRequest(h, http.MethodPost, "/v1/invoices", "user-1", "key-1", `{}`)

	assert.Equal(t, http.StatusServiceUnavailable, failed.Code)
	assert.Equal(t, http.StatusCreated, retried.Code)
	assert.Equal(t, "true", replayed.Header().Get(idempotency.HeaderReplayed))
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestMiddlewareConcurrentDuplicatesExecuteOnce(t *testing.T) {
	next := &counterHandler{delay: 30 * time.Millisecond}
	h := idempotency.Middleware(newTestGuard())(next)

	const clients = 20
	var mu sync.Mutex
	bodies := make(map[string]int)
	res := testutil.RunConcurrent(clients, func(int) error {
		rr := doRequest(h, http.MethodPost, "/v1/stock/adjust", "user-1", "adjust-42", `{"delta":-1}`)
		if rr.Code != http.StatusCreated {
			return fmt.Errorf("unexpected status %d", rr.Code)
		}
		mu.Lock()
		bodies[rr.Body.String()]++
		mu.Unlock()
		return nil
	})

	require.Equal(t, int32(clients), res.Successes)
	assert.Equal(t, int32(1), next.calls.Load())
	assert.Len(t, bodies, 1, "every duplicate sees the same response")
}

func TestMiddlewareSkipsReadsAndBypass(t *testing.T) {
	next := &counterHandler{}
	h := idempotency.Middleware(newTestGuard())(next)

	doRequest(h, http.MethodGet, "/v1/invoices", "user-1", "key-1", "")
	doRequest(h, http.MethodGet, "/v1/invoices", "user-1", "key-1", "")

	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/v1/invoices", strings.NewReader(`{}`))
		req.Header.Set(idempotency.HeaderKey, "key-2")
		req.Header.Set(idempotency.HeaderBypass, "true")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.Equal(t, int32(4), next.calls.Load())
}

func TestMiddlewareKeyDerivation(t *testing.T) {
	next := &counterHandler{}
	h := idempotency.Middleware(newTestGuard())(next)

	doRequest(h, http.MethodPost, "/v1/invoices", "user-1", "", `{"amount":10}`)
	doRequest(h, http.MethodPost, "/v1/invoices", "user-1", "", `{"amount":10}`)
	assert.Equal(t, int32(1), next.calls.Load(), "identical bodies share a derived key")

	doRequest(h, http.MethodPost, "/v1/invoices", "user-1", "", `{"amount":11}`)
	assert.Equal(t, int32(2), next.calls.Load(), "different body, different key")

	doRequest(h, http.MethodPost, "/v1/invoices", "user-2", "", `{"amount":10}`)
	assert.Equal(t, int32(3), next.calls.Load(), "different caller, different key")

	doRequest(h, http.MethodPost, "/v1/invoices", "user-1", "shared", `{"a":1}`)
	doRequest(h, http.MethodPost, "/v1/invoices", "user-2", "shared", `{"a":1}`)
	assert.Equal(t, int32(5), next.calls.Load(), "header keys are namespaced by caller")

	doRequest(h, http.MethodPost, "/v1/invoices", "user-1", "shared", `{"different":"body"}`)
	assert.Equal(t, int32(5), next.calls.Load(), "header key wins over body")
}

func TestMiddlewareCancelledRequestLeavesKeyRetryable(t *testing.T) {
	next := &counterHandler{}
	guard := newTestGuard()
	h := idempotency.Middleware(guard)(next)

	ctx, cancel := context.WithCancel(requestcontext.WithSubject(context.Background(), "user-1", "j"))
	cancelling := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		cancel()
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/invoices", strings.NewReader(`{}`)).WithContext(ctx)
	req.Header.Set(idempotency.HeaderKey, "key-1")
	idempotency.Middleware(guard)(cancelling).ServeHTTP(httptest.NewRecorder(), req)

	retry := doRequest(h, http.MethodPost, "/v1/invoices", "user-1", "key-1", `{}`)
	assert.Equal(t, http.StatusCreated, retry.Code)
	assert.Empty(t, retry.Header().Get(idempotency.HeaderReplayed))
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestMiddlewarePanicReleasesKey(t *testing.T) {
	guard := newTestGuard()
	panicking := idempotency.Middleware(guard)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	assert.Panics(t, func() {
		doRequest(panicking, http.MethodPost, "/v1/invoices", "user-1", "key-1", `{}`)
	})

	next := &counterHandler{}
	rr := doRequest(idempotency.Middleware(guard)(next), http.MethodPost, "/v1/invoices", "user-1", "key-1", `{}`)
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestMiddlewareRejectsOversizedKey(t *testing.T) {
	next := &counterHandler{}
	h := idempotency.Middleware(newTestGuard())(next)

	rr := doRequest(h, http.MethodPost, "/v1/invoices", "user-1", strings.Repeat("k", idempotency.MaxKeyLength+1), `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, int32(0), next.calls.Load())
}

func TestMiddlewareProceedsWhenStoreDown(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Begin(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(idempotency.BeginResult{}, errors.Join(sentinel.ErrUnavailable, errors.New("i/o timeout"))).
		Times(2)

	next := &counterHandler{}
	h := idempotency.Middleware(idempotency.NewGuard(store, idempotency.WithLogger(quietLogger)))(next)

	first := doRequest(h, http.MethodPost, "/v1/invoices", "user-1", "key-1", `{}`)
	second := doRequest(h, http.MethodPost, "/v1/invoices", "user-1", "key-1", `{}`)

	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, int32(2), next.calls.Load(), "unprotected while the store is down")
}
