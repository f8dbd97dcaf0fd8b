package vconn_test

import (
	"errors"
	"testing"

	"github.com/10088/haproxy/vconn"
)

func TestNewRoute_UnknownScheme(t *testing.T) {
	if _, err := vconn.NewRoute("ftp", vconn.RouteConfig{}); !errors.Is(err, vconn.ErrUnknownScheme) {
		t.Errorf("NewRoute(ftp) = %v, want ErrUnknownScheme", err)
	}
}

func TestNewRoute_SchemeAccessor(t *testing.T) {
	r, err := vconn.NewRoute("https", vconn.RouteConfig{})
	if err != nil {
		t.Fatalf("failed to build https route: %v", err)
	}
	if got := r.Scheme(); got != "https" {
		t.Errorf("scheme = %q, want %q", got, "https")
	}
}

func TestRoute_AdmissionLimiter(t *testing.T) {
	r, err := vconn.NewRoute("http", vconn.RouteConfig{RateLimit: 1, RateBurst: 2})
	if err != nil {
		t.Fatalf("failed to build route: %v", err)
	}

	if !r.Admit() || !r.Admit() {
		t.Fatal("burst admissions refused")
	}
	if r.Admit() {
		t.Error("admission allowed past the burst")
	}
}

func TestRoute_NoLimiterAdmitsAll(t *testing.T) {
	r, err := vconn.NewRoute("http", vconn.RouteConfig{})
	if err != nil {
		t.Fatalf("failed to build route: %v", err)
	}

	for i := 0; i < 100; i++ {
		if !r.Admit() {
			t.Fatalf("unlimited route refused admission %d", i)
		}
	}
}
