package main

import (
	"testing"

	"gifconv/config"
)

func TestDropsLocalEvents(t *testing.T) {
	cases := []struct {
		mode, backend string
		want          bool
	}{
		{"worker", "local", true},
		{"worker", "redis", false},
		{"all", "local", false},
		{"api", "local", false},
	}
	for _, tc := range cases {
		cfg := &config.Config{Mode: tc.mode, NotifyBackend: tc.backend}
		if got := dropsLocalEvents(cfg); got != tc.want {
			t.Fatalf("mode=%s backend=%s: expected %v, got %v", tc.mode, tc.backend, tc.want, got)
		}
	}
}
