package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestStaticTenancyResolver(t *testing.T) {
	resolver := newStaticTenancyResolver(map[string]Tenant{
		" Portal.Example.COM ": {ID: "t1", Name: "Example"},
	})

	tenant, ok, err := resolver.ResolveTenant(context.Background(), "portal.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || tenant.ID != "t1" {
		t.Fatalf("tenant = %+v, ok = %v", tenant, ok)
	}

	if _, ok, err := resolver.ResolveTenant(context.Background(), "other.example.com"); err != nil || ok {
		t.Fatalf("unknown host resolved: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := resolver.ResolveTenant(context.Background(), ""); ok {
		t.Fatal("empty host resolved")
	}
}

func TestSingleTenantResolverFromEnv(t *testing.T) {
	t.Setenv("TENANT_ID", "")
	if _, err := singleTenantResolverFromEnv(); err == nil {
		t.Fatal("missing TENANT_ID accepted")
	}

	t.Setenv("TENANT_ID", "t1")
	t.Setenv("TENANT_NAME", "Voltvera")
	resolver, err := singleTenantResolverFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	tenant, ok, err := resolver.ResolveTenant(context.Background(), "anything.example.com")
	if err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}
	if tenant.ID != "t1" || tenant.Name != "Voltvera" || tenant.Domain != "anything.example.com" {
		t.Fatalf("tenant = %+v", tenant)
	}
}

type queryRowerFunc func(ctx context.Context, sql string, args ...any) pgx.Row

func (f queryRowerFunc) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f(ctx, sql, args...)
}

func TestTenancyDBResolver(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		r := &tenancyDBResolver{q: queryRowerFunc(func(_ context.Context, _ string, args ...any) pgx.Row {
			if args[0] != "portal.example.com" {
				t.Fatalf("hostname arg = %v", args[0])
			}
			return &stubRow{vals: []any{"t1", "Example"}}
		})}
		tenant, ok, err := r.ResolveTenant(context.Background(), "Portal.Example.com")
		if err != nil || !ok {
			t.Fatalf("resolve: ok=%v err=%v", ok, err)
		}
		if tenant.ID != "t1" || tenant.Name != "Example" || tenant.Domain != "portal.example.com" {
			t.Fatalf("tenant = %+v", tenant)
		}
	})

	t.Run("unknown host", func(t *testing.T) {
		r := &tenancyDBResolver{q: queryRowerFunc(func(context.Context, string, ...any) pgx.Row {
			return &stubRow{err: pgx.ErrNoRows}
		})}
		if _, ok, err := r.ResolveTenant(context.Background(), "nope.example.com"); err != nil || ok {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
	})

	t.Run("query error", func(t *testing.T) {
		r := &tenancyDBResolver{q: queryRowerFunc(func(context.Context, string, ...any) pgx.Row {
			return &stubRow{err: errors.New("boom")}
		})}
		if _, _, err := r.ResolveTenant(context.Background(), "portal.example.com"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestEffectiveHost(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Host = "Portal.Example.COM:8443"
	r.Header.Set("X-Forwarded-Host", "proxied.example.com, inner.example.com")

	t.Setenv("TRUST_PROXY", "")
	if got := effectiveHost(r); got != "portal.example.com" {
		t.Fatalf("effectiveHost = %q", got)
	}

	t.Setenv("TRUST_PROXY", "1")
	if got := effectiveHost(r); got != "proxied.example.com" {
		t.Fatalf("proxied effectiveHost = %q", got)
	}
}
