package scram

import (
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"testing"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// Test vector from RFC 7677, SCRAM-SHA-256, password "pencil".
func TestClientSHA256(t *testing.T) {
	c := NewClient(sha256.New, "user", "")
	c.clientNonce = "rOprNGfwEbeRWgbNEkqO"
	clientFirst, err := c.ClientFirst()
	tcheck(t, err, "client first")
	if clientFirst != "n,,n=user,r=rOprNGfwEbeRWgbNEkqO" {
		t.Fatalf("bad clientFirst %q", clientFirst)
	}
	clientFinal, err := c.ServerFirst([]byte("r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"), "pencil")
	tcheck(t, err, "server first")
	if clientFinal != "c=biws,r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,p=dHzbZapWIk4jUhN+Ute9ytag9zjfMHgsqmmiz7AndVQ=" {
		t.Fatalf("bad clientFinal %q", clientFinal)
	}
	err = c.ServerFinal([]byte("v=6rriTRBi23WpRR/wtup+mMhUZUn/dB5nLTJRsjl95G4="))
	tcheck(t, err, "server final")
}

// Test vector from RFC 5802, SCRAM-SHA-1, password "pencil".
func TestClientSHA1(t *testing.T) {
	c := NewClient(sha1.New, "user", "")
	c.clientNonce = "fyko+d2lbbFgONRv9qkxdawL"
	clientFirst, err := c.ClientFirst()
	tcheck(t, err, "client first")
	if clientFirst != "n,,n=user,r=fyko+d2lbbFgONRv9qkxdawL" {
		t.Fatalf("bad clientFirst %q", clientFirst)
	}
	clientFinal, err := c.ServerFirst([]byte("r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,s=QSXCR+Q6sek8bf92,i=4096"), "pencil")
	tcheck(t, err, "server first")
	if clientFinal != "c=biws,r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,p=v0X8v3Bz2T0CJGbJQyF0X+HI4Ts=" {
		t.Fatalf("bad clientFinal %q", clientFinal)
	}
	err = c.ServerFinal([]byte("v=rmF9pqV8S7suAoZWja4dJRkFsKQ="))
	tcheck(t, err, "server final")
}

func TestClientErrors(t *testing.T) {
	c := NewClient(sha256.New, "user", "")
	c.clientNonce = "rOprNGfwEbeRWgbNEkqO"
	_, err := c.ClientFirst()
	tcheck(t, err, "client first")

	// Server must extend, never replace, the client nonce.
	_, err = c.ServerFirst([]byte("r=aaaaaaaaaaaaaaaaaaaaaaaaaaaa,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"), "pencil")
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("got %v, expected ErrProtocol for dropped nonce", err)
	}

	c = NewClient(sha256.New, "user", "")
	c.clientNonce = "rOprNGfwEbeRWgbNEkqO"
	_, err = c.ClientFirst()
	tcheck(t, err, "client first")
	_, err = c.ServerFirst([]byte("r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=1024"), "pencil")
	if !errors.Is(err, ErrUnsafe) {
		t.Fatalf("got %v, expected ErrUnsafe for too few iterations", err)
	}

	c = NewClient(sha256.New, "user", "")
	c.clientNonce = "rOprNGfwEbeRWgbNEkqO"
	_, err = c.ClientFirst()
	tcheck(t, err, "client first")
	_, err = c.ServerFirst([]byte("r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"), "pencil")
	tcheck(t, err, "server first")
	err = c.ServerFinal([]byte("e=invalid-proof"))
	if !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("got %v, expected ErrInvalidProof", err)
	}
}
