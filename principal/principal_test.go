package principal

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/quartzlabs/identity/internal/testutil"
	"github.com/quartzlabs/identity/storage"
	"github.com/quartzlabs/identity/storage/memory"
	"github.com/quartzlabs/identity/token"
)

func newTestResolver(t *testing.T) (*Resolver, *token.Service, *memory.Store, *testutil.MockTime) {
	t.Helper()

	clock := testutil.NewMockTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	store.SetClock(clock)
	t.Cleanup(store.Stop)

	keys, err := token.GenerateKeyProvider()
	if err != nil {
		t.Fatalf("failed to generate keys: %v", err)
	}
	svc, err := token.NewService(keys, token.Config{Clock: clock})
	if err != nil {
		t.Fatalf("failed to create token service: %v", err)
	}

	return NewResolver(svc, store, store, slog.Default()), svc, store, clock
}

func TestResolveAccess(t *testing.T) {
	r, svc, _, _ := newTestResolver(t)

	raw, claims, err := svc.MintAccess("user-1", []string{"user"}, "openid profile")
	testutil.AssertNoError(t, err)

	p, err := r.ResolveAccess(context.Background(), raw)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, p.UserID, "user-1")
	testutil.AssertEqual(t, p.Scope, "openid profile")
	testutil.AssertEqual(t, p.TokenID, claims.ID)
	testutil.AssertTrue(t, p.HasRole("user"), "carries minted role")
}

func TestResolveAccess_InvalidToken(t *testing.T) {
	r, _, _, _ := newTestResolver(t)

	if _, err := r.ResolveAccess(context.Background(), "not-a-token"); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestResolveAccess_ExpiredToken(t *testing.T) {
	r, svc, _, clock := newTestResolver(t)

	raw, _, err := svc.MintAccess("user-1", nil, "")
	testutil.AssertNoError(t, err)

	clock.Advance(16 * time.Minute)

	if _, err := r.ResolveAccess(context.Background(), raw); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestResolveAccess_RevokedToken(t *testing.T) {
	r, svc, store, _ := newTestResolver(t)
	ctx := context.Background()

	raw, claims, err := svc.MintAccess("user-1", nil, "")
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, store.RevokeJTI(ctx, claims.ID, claims.ExpiresAt.Time))

	if _, err := r.ResolveAccess(ctx, raw); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestResolveAccess_WrongAudience(t *testing.T) {
	r, svc, _, _ := newTestResolver(t)

	// A session token must not authenticate API requests
	raw, _, err := svc.MintSession("user-1")
	testutil.AssertNoError(t, err)

	if _, err := r.ResolveAccess(context.Background(), raw); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestWithOrg(t *testing.T) {
	r, _, store, _ := newTestResolver(t)
	ctx := context.Background()

	testutil.AssertNoError(t, store.SaveMembership(ctx, &storage.OrgMembership{
		OrgID: "org-1", UserID: "user-1", OrgRole: "editor",
	}))

	p := &Principal{UserID: "user-1", Roles: []string{"user"}}

	scoped, err := r.WithOrg(ctx, p, "org-1")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, scoped.OrgID, "org-1")
	testutil.AssertEqual(t, scoped.OrgRole, "editor")

	// Missing membership is an authorization failure, not authentication
	if _, err := r.WithOrg(ctx, p, "org-2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestWithOrg_PlatformAdminBypass(t *testing.T) {
	r, _, _, _ := newTestResolver(t)

	admin := &Principal{UserID: "admin-1", Roles: []string{RolePlatformAdmin}}

	scoped, err := r.WithOrg(context.Background(), admin, "org-without-membership")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, scoped.OrgRole, "admin")
}

func TestRequireRole(t *testing.T) {
	p := &Principal{UserID: "user-1", Roles: []string{"editor"}}

	testutil.AssertNoError(t, p.RequireRole("editor"))

	if err := p.RequireRole("admin"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}

	admin := &Principal{UserID: "admin-1", Roles: []string{RolePlatformAdmin}}
	testutil.AssertNoError(t, admin.RequireRole("anything"))
}

func TestRequireOwnership(t *testing.T) {
	p := &Principal{UserID: "user-1"}

	testutil.AssertNoError(t, p.RequireOwnership("user-1"))

	if err := p.RequireOwnership("user-2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}
