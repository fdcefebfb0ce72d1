package filelock

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()

	if reg.claims == nil {
		t.Fatal("claims map should be initialized")
	}
	if len(reg.Claims()) != 0 {
		t.Error("new registry should have no claims")
	}
}

func TestClaim(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(r *Registry)
		owner   string
		path    string
		wantErr error
	}{
		{
			name:  "claim unclaimed path",
			owner: "op-1",
			path:  "/data/projects/app",
		},
		{
			name: "idempotent claim by same owner",
			setup: func(r *Registry) {
				_ = r.Claim("op-1", "/data/projects/app")
			},
			owner: "op-1",
			path:  "/data/projects/app",
		},
		{
			name: "conflicting claim",
			setup: func(r *Registry) {
				_ = r.Claim("op-1", "/data/projects/app")
			},
			owner:   "op-2",
			path:    "/data/projects/app",
			wantErr: ErrAlreadyClaimed,
		},
		{
			name: "unclean path matches",
			setup: func(r *Registry) {
				_ = r.Claim("op-1", "/data/projects/app")
			},
			owner:   "op-2",
			path:    "/data/projects/./app/",
			wantErr: ErrAlreadyClaimed,
		},
		{
			name: "different paths do not conflict",
			setup: func(r *Registry) {
				_ = r.Claim("op-1", "/data/projects/app")
			},
			owner: "op-2",
			path:  "/data/projects/other",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			if tt.setup != nil {
				tt.setup(reg)
			}

			err := reg.Claim(tt.owner, tt.path)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Claim() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Claim() unexpected error: %v", err)
			}
			if owner, ok := reg.Owner(tt.path); !ok || owner != tt.owner {
				t.Errorf("Owner() = %q, %v; want %q, true", owner, ok, tt.owner)
			}
		})
	}
}

func TestRelease(t *testing.T) {
	t.Run("release owned path", func(t *testing.T) {
		reg := NewRegistry()
		_ = reg.Claim("op-1", "/p")
		if err := reg.Release("op-1", "/p"); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
		if _, ok := reg.Owner("/p"); ok {
			t.Error("path should be unclaimed after release")
		}
	})

	t.Run("release unclaimed path", func(t *testing.T) {
		reg := NewRegistry()
		if err := reg.Release("op-1", "/p"); !errors.Is(err, ErrNotClaimed) {
			t.Errorf("Release() error = %v, want ErrNotClaimed", err)
		}
	})

	t.Run("release by non-owner", func(t *testing.T) {
		reg := NewRegistry()
		_ = reg.Claim("op-1", "/p")
		if err := reg.Release("op-2", "/p"); !errors.Is(err, ErrNotOwner) {
			t.Errorf("Release() error = %v, want ErrNotOwner", err)
		}
		if owner, _ := reg.Owner("/p"); owner != "op-1" {
			t.Errorf("Owner() = %q, want op-1", owner)
		}
	})
}

func TestClaims_Sorted(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Claim("op-2", "/b")
	_ = reg.Claim("op-1", "/a")

	claims := reg.Claims()
	if len(claims) != 2 {
		t.Fatalf("len(Claims()) = %d, want 2", len(claims))
	}
	if claims[0].Path != "/a" || claims[1].Path != "/b" {
		t.Errorf("Claims() not sorted: %+v", claims)
	}
	if claims[0].ClaimedAt.IsZero() {
		t.Error("ClaimedAt should be set")
	}
}

func TestConcurrentClaims(t *testing.T) {
	reg := NewRegistry()

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := reg.Claim(fmt.Sprintf("op-%d", i), "/contended"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}
