package origin

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want, wantHost string
		ok                 bool
	}{
		{"https://Example.com", "https://example.com", "example.com", true},
		{"https://example.com:443", "https://example.com", "example.com", true},
		{"http://localhost:8088/", "http://localhost:8088", "localhost:8088", true},
		{"http://[::1]:8088", "http://[::1]:8088", "[::1]:8088", true},
		{"http://[::1]", "http://[::1]", "[::1]", true},
		{"null", "null", "", true},
		{"", "", "", false},
		{"ws://example.com", "", "", false},
		{"https://example.com/app", "", "", false},
		{"https://user@example.com", "", "", false},
		{"https://example.com?x=1", "", "", false},
		{"https://example.com:0", "", "", false},
		{"https://example.com:70000", "", "", false},
		{"https://example.com:", "", "", false},
	}
	for _, tc := range cases {
		got, host, ok := Normalize(tc.in)
		if ok != tc.ok || got != tc.want || host != tc.wantHost {
			t.Fatalf("Normalize(%q)=(%q,%q,%v), want (%q,%q,%v)", tc.in, got, host, ok, tc.want, tc.wantHost, tc.ok)
		}
	}
}

func TestAllowed_SameHostDefault(t *testing.T) {
	cases := []struct {
		origin, requestHost string
		want                bool
	}{
		{"http://localhost:8088", "localhost:8088", true},
		{"http://localhost:8088", "LOCALHOST:8088", true},
		{"https://pub.example.com", "pub.example.com:443", true},
		{"https://pub.example.com", "pub.example.com", true},
		{"http://localhost:8088", "localhost:9999", false},
		{"http://evil.example", "localhost:8088", false},
		{"null", "localhost:8088", false},
	}
	for _, tc := range cases {
		norm, host, ok := Normalize(tc.origin)
		if !ok {
			t.Fatalf("Normalize(%q) failed", tc.origin)
		}
		if got := Allowed(norm, host, tc.requestHost, nil); got != tc.want {
			t.Fatalf("Allowed(%q, %q)=%v, want %v", tc.origin, tc.requestHost, got, tc.want)
		}
	}
}

func TestAllowed_AllowList(t *testing.T) {
	allow := []string{"https://studio.example.com"}
	if !Allowed("https://studio.example.com", "studio.example.com", "localhost:8088", allow) {
		t.Fatalf("listed origin rejected")
	}
	if Allowed("http://localhost:8088", "localhost:8088", "localhost:8088", allow) {
		t.Fatalf("same-host origin accepted despite allow list")
	}
	if !Allowed("null", "", "localhost:8088", []string{"*"}) {
		t.Fatalf("wildcard must allow everything")
	}
}
