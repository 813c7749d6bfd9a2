package discovery

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestBackoffNext(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: 30 * time.Second}

	tests := []struct {
		name     string
		failures int
		want     time.Duration
	}{
		{"zero failures", 0, 2 * time.Second},
		{"negative failures", -1, 2 * time.Second},
		{"one failure", 1, 2 * time.Second},
		{"two failures", 2, 4 * time.Second},
		{"three failures", 3, 8 * time.Second},
		{"four failures", 4, 16 * time.Second},
		{"five failures capped", 5, 30 * time.Second}, // Would be 32s, capped to 30s
		{"many failures capped", 100, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.Next(tt.failures); got != tt.want {
				t.Errorf("Next(%d) = %v, want %v", tt.failures, got, tt.want)
			}
		})
	}
}

func TestBackoffReset(t *testing.T) {
	if got := (Backoff{Base: 3 * time.Second, Max: time.Minute}).Reset(); got != 3*time.Second {
		t.Fatalf("Reset = %v, want 3s", got)
	}
	if got := (Backoff{}).Reset(); got != DefaultBackoffBase {
		t.Fatalf("zero Reset = %v, want %v", got, DefaultBackoffBase)
	}
}

func TestBackoffNext_MatchesFormula(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		baseMS := rapid.IntRange(1, 5000).Draw(t, "baseMS")
		capMS := rapid.IntRange(baseMS, 600000).Draw(t, "capMS")
		n := rapid.IntRange(1, 80).Draw(t, "failures")

		b := Backoff{Base: time.Duration(baseMS) * time.Millisecond, Max: time.Duration(capMS) * time.Millisecond}

		// min(b * 2^(n-1), c) computed without overflow.
		want := b.Base
		for i := 1; i < n && want < b.Max; i++ {
			want *= 2
		}
		want = min(want, b.Max)
		if got := b.Next(n); got != want {
			t.Fatalf("Next(%d) with base %v cap %v = %v, want %v", n, b.Base, b.Max, got, want)
		}
		if n > 1 && b.Next(n) < b.Next(n-1) {
			t.Fatalf("Next is not monotonic at %d", n)
		}
	})
}
