package origin

import (
	"strings"
	"testing"
)

func FuzzNormalizeHeader(f *testing.F) {
	f.Add("HTTPS://Example.COM:443")
	f.Add("http://[::FFFF:192.0.2.1]")
	f.Add("null")
	f.Add("")
	f.Add("ftp://example.com")
	f.Add("https://example.com/path")
	f.Add("https://example.com,https://evil.example.com")

	f.Fuzz(func(t *testing.T, originHeader string) {
		norm, host, ok := NormalizeHeader(originHeader)
		if !ok {
			if norm != "" || host != "" {
				t.Fatalf("failed normalize returned norm=%q host=%q", norm, host)
			}
			return
		}
		if norm == "null" {
			return
		}
		if !strings.HasPrefix(norm, "http://") && !strings.HasPrefix(norm, "https://") {
			t.Fatalf("norm=%q has unexpected scheme", norm)
		}
		if !strings.HasSuffix(norm, "://"+host) {
			t.Fatalf("norm=%q does not end with host %q", norm, host)
		}

		// Normalization is idempotent.
		norm2, host2, ok2 := NormalizeHeader(norm)
		if !ok2 || norm2 != norm || host2 != host {
			t.Fatalf("re-normalize(%q)=%q %q %v, want identical", norm, norm2, host2, ok2)
		}
		if !IsAllowed(norm, host, host, nil) {
			t.Fatalf("origin %q not allowed on its own host", norm)
		}
	})
}
