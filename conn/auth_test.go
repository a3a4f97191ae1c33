package conn_test

import (
	"testing"
	"time"

	"github.com/inc-run/inc/conn"
)

func TestIssueAndVerifyToken(t *testing.T) {
	secret := []byte("super-secret")
	tok, err := conn.IssueToken(secret, "client-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	subject, err := conn.VerifyToken(secret, tok)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if subject != "client-1" {
		t.Fatalf("subject = %q, want %q", subject, "client-1")
	}
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	tok, err := conn.IssueToken([]byte("secret-a"), "client-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := conn.VerifyToken([]byte("secret-b"), tok); err == nil {
		t.Fatal("expected verification to fail with the wrong secret")
	}
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	secret := []byte("super-secret")
	tok, err := conn.IssueToken(secret, "client-1", -time.Second)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := conn.VerifyToken(secret, tok); err == nil {
		t.Fatal("expected verification to fail for an already-expired token")
	}
}

func TestHashAndVerifyPassphrase(t *testing.T) {
	hash, err := conn.HashPassphrase([]byte("hunter2"))
	if err != nil {
		t.Fatalf("HashPassphrase: %v", err)
	}
	if !conn.VerifyPassphrase(hash, []byte("hunter2")) {
		t.Fatal("VerifyPassphrase rejected the correct passphrase")
	}
	if conn.VerifyPassphrase(hash, []byte("wrong")) {
		t.Fatal("VerifyPassphrase accepted an incorrect passphrase")
	}
}
