package message

import (
	"reflect"
	"testing"
)

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, expect)
	}
}

func TestExtractAddresses(t *testing.T) {
	check := func(header string, expect []string) {
		t.Helper()
		tcompare(t, ExtractAddresses(header), expect)
	}

	check("mjl@example.com", []string{"mjl@example.com"})
	check("Mjl <mjl@example.com>", []string{"mjl@example.com"})
	check("mjl@example.com, other@example.org", []string{"mjl@example.com", "other@example.org"})

	// Noise around addresses should not prevent extraction, and duplicates
	// are dropped regardless of case.
	check("mjl@example.com,, ;/ mjl@example.com; MJL@example.com", []string{"mjl@example.com"})
	check(`"Bad " <bad>, good@example.com`, []string{"good@example.com"})
	check("a@example.com;b@example.com", []string{"a@example.com", "b@example.com"})
	check("", nil)
	check("no address here", nil)
}

func TestFirstAddress(t *testing.T) {
	a, ok := FirstAddress("Mjl <mjl@example.com>, other@example.org")
	tcompare(t, ok, true)
	tcompare(t, a, "mjl@example.com")

	_, ok = FirstAddress("nothing")
	tcompare(t, ok, false)
}

func TestIsASCIIAddress(t *testing.T) {
	tcompare(t, IsASCIIAddress("mjl@example.com"), true)
	tcompare(t, IsASCIIAddress("mjl@unicode-é.example"), false)
	tcompare(t, IsASCIIAddress("hé@example.com"), false)
}
