package clientip

import (
	"net/http/httptest"
	"testing"
)

func TestFromRequest(t *testing.T) {
	res, err := NewResolver([]string{"10.0.0.0/8", "192.168.1.1"})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	tests := []struct {
		name   string
		remote string
		xff    string
		xreal  string
		want   string
	}{
		{name: "untrusted peer ignores headers", remote: "203.0.113.9:4000", xff: "1.2.3.4", want: "203.0.113.9"},
		{name: "trusted peer uses xff", remote: "10.1.2.3:4000", xff: "198.51.100.7", want: "198.51.100.7"},
		{name: "rightmost untrusted hop wins", remote: "10.1.2.3:4000", xff: "6.6.6.6, 198.51.100.7, 10.9.9.9", want: "198.51.100.7"},
		{name: "bare trusted address", remote: "192.168.1.1:80", xreal: "198.51.100.8", want: "198.51.100.8"},
		{name: "all hops trusted falls back to peer", remote: "10.1.2.3:4000", xff: "10.0.0.2", want: "10.1.2.3"},
		{name: "ipv6 peer", remote: "[2001:db8::1]:443", want: "2001:db8::1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xreal != "" {
				r.Header.Set("X-Real-IP", tc.xreal)
			}
			if got := res.FromRequest(r); got != tc.want {
				t.Fatalf("want %q, got %q", tc.want, got)
			}
		})
	}
}

func TestNewResolverRejectsGarbage(t *testing.T) {
	if _, err := NewResolver([]string{"not-an-ip"}); err == nil {
		t.Fatal("expected error for invalid proxy entry")
	}
}

func TestNilResolverTrustsNothing(t *testing.T) {
	var res *Resolver
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "1.1.1.1")
	if got := res.FromRequest(r); got != "10.0.0.1" {
		t.Fatalf("want peer address, got %q", got)
	}
}
