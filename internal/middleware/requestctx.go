package middleware

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/tenderdesk/orggov/internal/apperror"
	"github.com/tenderdesk/orggov/internal/auth"
	"github.com/tenderdesk/orggov/internal/reqctx"
)

// ErrInvalidCredentials is returned by an IdentityProvider for tokens it does not accept.
var ErrInvalidCredentials = errors.New("invalid credentials")

// IdentityProvider resolves a bearer token issued by the external identity provider.
type IdentityProvider interface {
	Resolve(ctx context.Context, token string) (reqctx.Identity, error)
}

// IdentityProviderFunc adapts a function to IdentityProvider.
type IdentityProviderFunc func(ctx context.Context, token string) (reqctx.Identity, error)

func (f IdentityProviderFunc) Resolve(ctx context.Context, token string) (reqctx.Identity, error) {
	return f(ctx, token)
}

// RequestContext attaches client metadata to every request and, when an Authorization header is
// present, the caller identity resolved through provider. Requests without credentials pass
// through anonymously; RequireIdentity rejects them on routes that need a caller. Bad
// credentials are rejected with 401 and a provider failure with 500.
func RequestContext(provider IdentityProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		md := reqctx.Metadata{
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			RequestID: c.GetString(RequestIDKey),
		}
		ctx := reqctx.WithMetadata(c.Request.Context(), md)

		if header := c.GetHeader("Authorization"); header != "" {
			token, err := auth.ExtractBearerToken(header)
			if err != nil {
				AbortWithError(c, apperror.Unauthorized("Invalid authorization header"))
				return
			}
			id, err := provider.Resolve(ctx, token)
			switch {
			case errors.Is(err, ErrInvalidCredentials):
				AbortWithError(c, apperror.Unauthorized("Invalid or expired credentials"))
				return
			case err != nil:
				slog.Error("identity provider failed", "request_id", md.RequestID, "error", err)
				AbortWithError(c, apperror.Internal("failed to resolve identity", err))
				return
			case id.UserID == "":
				AbortWithError(c, apperror.Unauthorized("Invalid or expired credentials"))
				return
			}
			ctx = reqctx.WithIdentity(ctx, id)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireIdentity rejects requests that RequestContext did not authenticate.
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := reqctx.IdentityFrom(c.Request.Context()); !ok {
			AbortWithError(c, apperror.Unauthorized("Authentication required"))
			return
		}
		c.Next()
	}
}
