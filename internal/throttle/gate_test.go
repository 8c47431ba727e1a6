package throttle

import (
	"testing"
	"time"

	"changeline/internal/config"
)

func TestClassFor(t *testing.T) {
	cases := []struct {
		actorID, source, want string
	}{
		{"alice", "api", ClassAuthenticated},
		{"", "api", ClassAnonymous},
		{"anon:4f2a", "api", ClassAnonymous},
		{"importer", "import", ClassImport},
		{"", "import", ClassImport},
		{"bot", "webhook", ClassAuthenticated},
	}
	for _, c := range cases {
		if got := ClassFor(c.actorID, c.source); got != c.want {
			t.Errorf("ClassFor(%q,%q)=%q want %q", c.actorID, c.source, got, c.want)
		}
	}
}

func TestGateLimitBoundary(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	gate := NewGate(map[string]config.ThrottleRate{
		ClassAnonymous: {Limit: 3, WindowSeconds: 60},
	}, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if d := gate.Admit(ClassAnonymous); !d.Allowed {
			t.Fatalf("intent %d at limit should be admitted", i+1)
		}
	}
	d := gate.Admit(ClassAnonymous)
	if d.Allowed {
		t.Fatal("intent over limit admitted")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("retry-after %v outside window", d.RetryAfter)
	}
}

func TestGateWindowReset(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	gate := NewGate(map[string]config.ThrottleRate{
		ClassAuthenticated: {Limit: 1, WindowSeconds: 60},
	}, func() time.Time { return now })

	if d := gate.Admit(ClassAuthenticated); !d.Allowed {
		t.Fatal("first intent rejected")
	}
	if d := gate.Admit(ClassAuthenticated); d.Allowed {
		t.Fatal("second intent in same window admitted")
	}
	now = now.Add(61 * time.Second)
	if d := gate.Admit(ClassAuthenticated); !d.Allowed {
		t.Fatal("intent after window boundary rejected")
	}
}

func TestGateClassesIsolated(t *testing.T) {
	gate := NewGate(map[string]config.ThrottleRate{
		ClassAnonymous:     {Limit: 1, WindowSeconds: 60},
		ClassAuthenticated: {Limit: 1, WindowSeconds: 60},
	}, nil)

	if d := gate.Admit(ClassAnonymous); !d.Allowed {
		t.Fatal("anonymous rejected")
	}
	if d := gate.Admit(ClassAnonymous); d.Allowed {
		t.Fatal("anonymous over limit admitted")
	}
	// exhausting one class must not affect another
	if d := gate.Admit(ClassAuthenticated); !d.Allowed {
		t.Fatal("authenticated rejected after anonymous exhausted")
	}
}

func TestGateUnconfiguredClassUnlimited(t *testing.T) {
	gate := NewGate(map[string]config.ThrottleRate{}, nil)
	for i := 0; i < 500; i++ {
		if d := gate.Admit(ClassImport); !d.Allowed {
			t.Fatalf("unlimited class rejected at intent %d", i)
		}
	}
}
