package server

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := newRateLimiter(1, 5)
	now := time.Now()
	rl.now = func() time.Time { return now }

	// The burst is spent first.
	for i := 0; i < 5; i++ {
		if !rl.allow("192.168.1.1") {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}

	if rl.allow("192.168.1.1") {
		t.Error("6th request should be denied")
	}

	// Different IP should be allowed
	if !rl.allow("192.168.1.2") {
		t.Error("Request from different IP should be allowed")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	rl := newRateLimiter(10, 2)
	now := time.Now()
	rl.now = func() time.Time { return now }

	if !rl.allow("192.168.1.1") || !rl.allow("192.168.1.1") {
		t.Fatal("burst should be allowed")
	}
	if rl.allow("192.168.1.1") {
		t.Error("Third request should be denied")
	}

	// One token comes back every 100ms at 10/s.
	now = now.Add(110 * time.Millisecond)
	if !rl.allow("192.168.1.1") {
		t.Error("Request after refill should be allowed")
	}
	if rl.allow("192.168.1.1") {
		t.Error("Only one token should have been refilled")
	}
}

func TestRateLimiter_SweepsIdleEntries(t *testing.T) {
	rl := newRateLimiter(1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.allow("192.168.1.1")
	now = now.Add(limiterEntryTTL + limiterCleanupInterval)
	rl.allow("192.168.1.2")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.entries["192.168.1.1"]; ok {
		t.Error("idle entry should have been swept")
	}
	if len(rl.entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(rl.entries))
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := newRateLimiter(0, 5)
	if rl != nil {
		t.Fatal("expected nil limiter when rate is zero")
	}
	for i := 0; i < 100; i++ {
		if !rl.allow("192.168.1.1") {
			t.Fatal("disabled limiter must allow everything")
		}
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := newRateLimiter(0.001, 3)

	handler := rl.middleware(clientResolver{}.ip, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("success"))
	}))

	// First 3 requests should succeed
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/upload", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	// 4th request should be rate limited
	req := httptest.NewRequest("POST", "/upload", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
}

func TestRateLimiter_IgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	rl := newRateLimiter(0.001, 1)
	handler := rl.middleware(clientResolver{}.ip, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	allowed := 0
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodPost, "/upload", nil)
		req.RemoteAddr = "198.51.100.7:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code == http.StatusOK {
			allowed++
		}
	}

	if allowed != 1 {
		t.Errorf("allowed %d requests, want 1", allowed)
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.entries) != 1 {
		t.Errorf("expected 1 limiter entry, got %d", len(rl.entries))
	}
}

func TestRateLimiter_TrustedProxyKeysOnForwardedClient(t *testing.T) {
	rl := newRateLimiter(0.001, 1)
	clients := clientResolver{trusted: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}}
	handler := rl.middleware(clients.ip, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(client string) int {
		req := httptest.NewRequest(http.MethodPost, "/upload", nil)
		req.RemoteAddr = "10.0.0.2:5000"
		req.Header.Set("X-Forwarded-For", client)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("203.0.113.1"); code != http.StatusOK {
		t.Fatalf("first client: got %d", code)
	}
	if code := send("203.0.113.2"); code != http.StatusOK {
		t.Fatalf("second client behind the same proxy: got %d", code)
	}
	if code := send("203.0.113.1"); code != http.StatusTooManyRequests {
		t.Fatalf("first client again: got %d, want 429", code)
	}
}

func TestClientResolver(t *testing.T) {
	proxies := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("::1/128"),
	}

	tests := []struct {
		name    string
		trusted []netip.Prefix
		peer    string
		xff     []string
		realIP  string
		want    string
	}{
		{name: "no proxies configured", peer: "198.51.100.7:1234", xff: []string{"203.0.113.9"}, realIP: "203.0.113.8", want: "198.51.100.7"},
		{name: "untrusted peer", trusted: proxies, peer: "198.51.100.7:1234", xff: []string{"203.0.113.9"}, want: "198.51.100.7"},
		{name: "trusted peer without headers", trusted: proxies, peer: "10.1.2.3:1234", want: "10.1.2.3"},
		{name: "trusted peer forwards client", trusted: proxies, peer: "10.1.2.3:1234", xff: []string{"203.0.113.9"}, want: "203.0.113.9"},
		{name: "spoofed leftmost entry is skipped", trusted: proxies, peer: "10.1.2.3:1234", xff: []string{"1.2.3.4, 203.0.113.9"}, want: "203.0.113.9"},
		{name: "chain of trusted hops", trusted: proxies, peer: "10.1.2.3:1234", xff: []string{"203.0.113.9, 10.9.9.9"}, want: "203.0.113.9"},
		{name: "repeated headers are one chain", trusted: proxies, peer: "10.1.2.3:1234", xff: []string{"1.2.3.4", "203.0.113.9"}, want: "203.0.113.9"},
		{name: "all hops trusted", trusted: proxies, peer: "10.1.2.3:1234", xff: []string{"10.4.4.4"}, want: "10.4.4.4"},
		{name: "malformed hop stops the walk", trusted: proxies, peer: "10.1.2.3:1234", xff: []string{"203.0.113.9, nonsense"}, want: "10.1.2.3"},
		{name: "real ip from trusted peer", trusted: proxies, peer: "10.1.2.3:1234", realIP: "203.0.113.5", want: "203.0.113.5"},
		{name: "malformed real ip", trusted: proxies, peer: "10.1.2.3:1234", realIP: "somewhere", want: "10.1.2.3"},
		{name: "ipv6 loopback proxy", trusted: proxies, peer: "[::1]:8080", xff: []string{"2001:db8::1"}, want: "2001:db8::1"},
		{name: "peer without port", peer: "198.51.100.7", want: "198.51.100.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.peer
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			if got := (clientResolver{trusted: tt.trusted}).ip(req); got != tt.want {
				t.Errorf("ip() = %q, want %q", got, tt.want)
			}
		})
	}
}
