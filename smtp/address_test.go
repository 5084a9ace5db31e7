package smtp

import (
	"testing"
)

func TestParseAddress(t *testing.T) {
	good := func(s, exp string) {
		t.Helper()
		a, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("parsing %q: %s", s, err)
		}
		if a.String() != exp {
			t.Fatalf("parsing %q: got %q, expected %q", s, a.String(), exp)
		}
	}
	bad := func(s string) {
		t.Helper()
		_, err := ParseAddress(s)
		if err == nil {
			t.Fatalf("parsing %q: got address, expected error", s)
		}
	}

	good("mjl@example.com", "mjl@example.com")
	good("MJL@EXAMPLE.COM", "MJL@example.com")
	good("first.last@example.com", "first.last@example.com")
	good(`"with space"@example.com`, `"with space"@example.com`)
	good("user+tag@example.com", "user+tag@example.com")

	bad("")
	bad("example.com")
	bad("mjl@")
	bad("@example.com")
	bad("mjl@example com")
	bad(`mjl"@example.com`)
}

func TestAddressIsASCII(t *testing.T) {
	a, err := ParseAddress("mjl@example.com")
	if err != nil {
		t.Fatalf("parse: %s", err)
	}
	if !a.IsASCII() {
		t.Fatalf("ascii address reported as non-ascii")
	}

	a, err = ParseAddress("héllo@example.com")
	if err != nil {
		t.Fatalf("parse: %s", err)
	}
	if a.IsASCII() {
		t.Fatalf("non-ascii localpart reported as ascii")
	}
}

func TestParseDomain(t *testing.T) {
	d, err := ParseDomain("EXAMPLE.com")
	if err != nil {
		t.Fatalf("parse domain: %s", err)
	}
	if d != "example.com" {
		t.Fatalf("got %q, expected %q", d, "example.com")
	}

	// IDNA form for an internationalized name.
	d, err = ParseDomain("müller.example")
	if err != nil {
		t.Fatalf("parse idna domain: %s", err)
	}
	if d != "xn--mller-kva.example" {
		t.Fatalf("got %q, expected idna form", d)
	}
}
