// Package reqctx carries the caller identity and client metadata through context.Context.
//
// Authentication happens outside the governance core. The identity provider resolves a
// request to an Identity and the transport layer stores it, together with the client IP and
// user agent, before any service operation runs.
package reqctx

import "context"

// Unknown is recorded when client metadata is unavailable, e.g. for system jobs.
const Unknown = "unknown"

// Identity is the authenticated caller as resolved by the identity provider.
type Identity struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	SessionID string `json:"session_id"`
}

// Metadata describes the client that issued the request.
type Metadata struct {
	IPAddress string
	UserAgent string
	RequestID string
}

type identityKey struct{}
type metadataKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored in ctx.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// WithMetadata returns a copy of ctx carrying md.
func WithMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

// MetadataFrom returns the client metadata stored in ctx. Missing values are Unknown.
func MetadataFrom(ctx context.Context) Metadata {
	md, _ := ctx.Value(metadataKey{}).(Metadata)
	if md.IPAddress == "" {
		md.IPAddress = Unknown
	}
	if md.UserAgent == "" {
		md.UserAgent = Unknown
	}
	return md
}
