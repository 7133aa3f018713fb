// Package requestcontext carries request-scoped metadata (client IP, user
// agent, device id, request id and an injectable clock) through context.
package requestcontext

import (
	"context"
	"time"
)

type (
	clientIPKey  struct{}
	userAgentKey struct{}
	deviceIDKey  struct{}
	requestIDKey struct{}
	subjectKey   struct{}
	nowKey       struct{}
)

// WithClientMetadata stores the caller's IP and raw User-Agent.
func WithClientMetadata(ctx context.Context, ip, userAgent string) context.Context {
	ctx = context.WithValue(ctx, clientIPKey{}, ip)
	return context.WithValue(ctx, userAgentKey{}, userAgent)
}

func ClientIP(ctx context.Context) string {
	v, _ := ctx.Value(clientIPKey{}).(string)
	return v
}

func UserAgent(ctx context.Context) string {
	v, _ := ctx.Value(userAgentKey{}).(string)
	return v
}

func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey{}, deviceID)
}

// DeviceID returns the device identifier presented by the browser, if any.
// Its absence is never an error.
func DeviceID(ctx context.Context) string {
	v, _ := ctx.Value(deviceIDKey{}).(string)
	return v
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// WithSubject records the authenticated subject after access token verification.
func WithSubject(ctx context.Context, subjectID, jti string) context.Context {
	return context.WithValue(ctx, subjectKey{}, [2]string{subjectID, jti})
}

// Subject returns the authenticated subject id and access token jti.
func Subject(ctx context.Context) (subjectID, jti string) {
	v, _ := ctx.Value(subjectKey{}).([2]string)
	return v[0], v[1]
}

// WithTime pins the clock for everything downstream of ctx. Tests use it to
// move credentials across expiry boundaries without sleeping.
func WithTime(ctx context.Context, now time.Time) context.Context {
	return context.WithValue(ctx, nowKey{}, now)
}

// Now returns the pinned request time, or time.Now when none is set.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(nowKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}
