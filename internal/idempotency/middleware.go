package idempotency

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	dErrors "trustlayer/pkg/domain-errors"
	"trustlayer/pkg/platform/httputil"
	"trustlayer/pkg/requestcontext"
	"trustlayer/pkg/validation"
)

// Middleware deduplicates POST, PUT and PATCH requests. It must run after
// authentication so keys are namespaced by the authenticated subject. The
// handler's response is buffered and committed before it reaches the client.
func Middleware(g *Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !Guarded(r.Method) || Bypassed(r) {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			headerKey := strings.TrimSpace(r.Header.Get(HeaderKey))
			if len(headerKey) > MaxKeyLength {
				httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest,
					"Idempotency-Key must be at most "+strconv.Itoa(MaxKeyLength)+" characters"))
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, validation.MaxBodySize))
			if err != nil {
				httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "request body too large"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			key := KeyFor(headerKey, r.Method, r.URL.Path, callerID(r), body)
			decision, err := g.Check(ctx, key, r.Method)
			if err != nil {
				httputil.WriteError(w, err)
				return
			}

			switch decision.Outcome {
			case OutcomeReplay:
				replay(w, decision.Cached)
				return
			case OutcomeProceed:
				next.ServeHTTP(w, r)
				return
			}

			rec := newBufferedWriter()
			committed := false
			defer func() {
				if !committed {
					_ = g.Abandon(ctx, decision.Lease)
				}
			}()

			next.ServeHTTP(rec, r)
			if ctx.Err() != nil {
				return
			}
			committed = true
			_ = g.Commit(ctx, decision.Lease, rec.status, rec.header.Get("Content-Type"), rec.body.Bytes())
			rec.flushTo(w)
		})
	}
}

// Bypassed reports whether the request explicitly opted out of the guard.
func Bypassed(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get(HeaderBypass), "true")
}

func callerID(r *http.Request) string {
	if subject, _ := requestcontext.Subject(r.Context()); subject != "" {
		return subject
	}
	return "ip:" + requestcontext.ClientIP(r.Context())
}

func replay(w http.ResponseWriter, resp *Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set(HeaderReplayed, "true")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// bufferedWriter holds a handler's response until it has been committed.
type bufferedWriter struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.status = code
	b.wroteHeader = true
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.wroteHeader = true
	return b.body.Write(p)
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}
