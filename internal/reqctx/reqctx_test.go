package reqctx

import (
	"context"
	"testing"
)

func TestIdentityRoundTrip(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: "u-1", Email: "a@acme.test", SessionID: "s-1"})

	id, ok := IdentityFrom(ctx)
	if !ok {
		t.Fatal("expected identity")
	}
	if id.UserID != "u-1" || id.SessionID != "s-1" {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestIdentityFrom_Missing(t *testing.T) {
	if _, ok := IdentityFrom(context.Background()); ok {
		t.Error("expected no identity in empty context")
	}
	if _, ok := IdentityFrom(WithIdentity(context.Background(), Identity{})); ok {
		t.Error("identity without a user id should not count")
	}
}

func TestMetadataFrom_DefaultsToUnknown(t *testing.T) {
	md := MetadataFrom(context.Background())
	if md.IPAddress != Unknown || md.UserAgent != Unknown {
		t.Errorf("got %+v, want unknown defaults", md)
	}

	md = MetadataFrom(WithMetadata(context.Background(), Metadata{IPAddress: "10.0.0.1"}))
	if md.IPAddress != "10.0.0.1" {
		t.Errorf("IPAddress = %q", md.IPAddress)
	}
	if md.UserAgent != Unknown {
		t.Errorf("UserAgent = %q, want unknown", md.UserAgent)
	}
}
