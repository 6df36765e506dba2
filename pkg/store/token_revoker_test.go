package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestMemoryTokenRevokerRevokesUntilExpiry(t *testing.T) {
	r := NewMemoryTokenRevoker()

	if err := r.Revoke("jti-1", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err := r.IsRevoked("jti-1")
	if err != nil {
		t.Fatalf("is revoked: %v", err)
	}
	if !revoked {
		t.Fatalf("expected token revoked")
	}

	revoked, err = r.IsRevoked("jti-unknown")
	if err != nil {
		t.Fatalf("is revoked unknown: %v", err)
	}
	if revoked {
		t.Fatalf("expected unknown token not revoked")
	}

	// A non-positive TTL means the token already expired; nothing to track.
	if err := r.Revoke("jti-expired", 0); err != nil {
		t.Fatalf("revoke expired: %v", err)
	}
	if revoked, _ := r.IsRevoked("jti-expired"); revoked {
		t.Fatalf("expected expired token not tracked")
	}
}

func TestRedisTokenRevoker(t *testing.T) {
	redis := miniredis.RunT(t)
	r := NewRedisTokenRevoker(redis.Addr(), "")

	if err := r.Revoke("jti-2", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err := r.IsRevoked("jti-2")
	if err != nil {
		t.Fatalf("is revoked: %v", err)
	}
	if !revoked {
		t.Fatalf("expected token revoked")
	}

	redis.FastForward(2 * time.Minute)
	revoked, err = r.IsRevoked("jti-2")
	if err != nil {
		t.Fatalf("is revoked after expiry: %v", err)
	}
	if revoked {
		t.Fatalf("expected revocation to lapse with TTL")
	}
}
