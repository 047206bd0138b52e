package utils

import (
	"net/http/httptest"
	"testing"
)

func TestIPMatcher(t *testing.T) {
	m := NewIPMatcher([]string{"10.0.0.0/8", " 192.168.1.7 ", "not-an-ip", "", "2001:db8::/32"})

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.20.30.40", true},
		{"11.0.0.1", false},
		{"192.168.1.7", true},
		{"192.168.1.8", false},
		{"::ffff:192.168.1.7", true},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		if got := m.Allow(tt.ip); got != tt.want {
			t.Errorf("Allow(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}

	if !NewIPMatcher([]string{"nope"}).IsEmpty() {
		t.Errorf("IsEmpty() = false for a list without valid entries")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{"remote addr", "1.2.3.4:5555", nil, false, "1.2.3.4"},
		{"headers ignored without trust", "1.2.3.4:5555", map[string]string{"X-Forwarded-For": "9.9.9.9"}, false, "1.2.3.4"},
		{"cloudflare first", "1.2.3.4:5555", map[string]string{"CF-Connecting-IP": "5.5.5.5", "X-Forwarded-For": "9.9.9.9"}, true, "5.5.5.5"},
		{"left-most forwarded", "1.2.3.4:5555", map[string]string{"X-Forwarded-For": "9.9.9.9, 8.8.8.8"}, true, "9.9.9.9"},
		{"real ip", "1.2.3.4:5555", map[string]string{"X-Real-IP": "7.7.7.7"}, true, "7.7.7.7"},
		{"ipv6 remote", "[2001:db8::1]:443", nil, true, "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r, tt.trustProxy); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
