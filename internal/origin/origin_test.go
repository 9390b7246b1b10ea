package origin

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		normalized string
		host       string
		ok         bool
	}{
		{name: "plain https", header: "https://app.example.com", normalized: "https://app.example.com", host: "app.example.com", ok: true},
		{name: "default port stripped", header: "https://app.example.com:443", normalized: "https://app.example.com", host: "app.example.com", ok: true},
		{name: "custom port kept", header: "http://localhost:3000", normalized: "http://localhost:3000", host: "localhost:3000", ok: true},
		{name: "upper case folded", header: "HTTPS://App.Example.COM", normalized: "https://app.example.com", host: "app.example.com", ok: true},
		{name: "null allowed", header: "null", normalized: "null", host: "", ok: true},
		{name: "empty", header: "", ok: false},
		{name: "scheme only", header: "https://", ok: false},
		{name: "non-http scheme", header: "ftp://example.com", ok: false},
		{name: "path rejected", header: "https://example.com/app", ok: false},
		{name: "userinfo rejected", header: "https://user@example.com", ok: false},
		{name: "zero port rejected", header: "http://example.com:0", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			normalized, host, ok := Normalize(tt.header)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if normalized != tt.normalized || host != tt.host {
				t.Fatalf("got (%q, %q), want (%q, %q)", normalized, host, tt.normalized, tt.host)
			}
		})
	}
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		name        string
		origin      string
		requestHost string
		allowlist   []string
		want        bool
	}{
		{name: "same host default policy", origin: "http://localhost:8080", requestHost: "localhost:8080", want: true},
		{name: "cross host rejected by default", origin: "http://evil.example", requestHost: "localhost:8080", want: false},
		{name: "wildcard allowlist", origin: "http://anything.example", requestHost: "localhost:8080", allowlist: []string{"*"}, want: true},
		{name: "explicit allowlist match", origin: "https://app.example.com", requestHost: "localhost:8080", allowlist: []string{"https://app.example.com"}, want: true},
		{name: "allowlist miss", origin: "https://other.example.com", requestHost: "localhost:8080", allowlist: []string{"https://app.example.com"}, want: false},
		{name: "null rejected without allowlist", origin: "null", requestHost: "localhost:8080", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			normalized, host, ok := Normalize(tt.origin)
			if !ok {
				t.Fatalf("test origin %q failed to normalize", tt.origin)
			}
			if got := Allowed(normalized, host, tt.requestHost, tt.allowlist); got != tt.want {
				t.Fatalf("Allowed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckRequest_NoOriginHeaderAllowed(t *testing.T) {
	if !CheckRequest("", "localhost:8080", nil) {
		t.Fatalf("missing Origin header must be allowed (non-browser client)")
	}
	if CheckRequest("::not an origin::", "localhost:8080", []string{"*"}) {
		t.Fatalf("malformed Origin header must be rejected even with wildcard")
	}
}

func TestParseAllowedOrigins(t *testing.T) {
	got := ParseAllowedOrigins(" https://app.example.com:443 , * ,, http://localhost:3000,garbage")
	want := []string{"https://app.example.com", "*", "http://localhost:3000"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
