package event

import "context"

// RequestContext is the actor/request information supplied by the calling
// layer. It is opaque enrichment copied into metadata and never affects
// validation or ordering.
type RequestContext struct {
	ActorID   string
	IPAddress string
	SessionID string
	RequestID string
}

// Metadata returns the non-empty fields as metadata entries. The result is
// never nil.
func (rc RequestContext) Metadata() map[string]string {
	m := make(map[string]string, 4)
	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set(MetaActorID, rc.ActorID)
	set(MetaIPAddress, rc.IPAddress)
	set(MetaSessionID, rc.SessionID)
	set(MetaRequestID, rc.RequestID)
	return m
}

type requestContextKey struct{}

// WithRequestContext attaches rc to ctx for Builder.Build.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the request context attached to ctx, or the
// zero value.
func RequestContextFrom(ctx context.Context) RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(RequestContext)
	return rc
}
