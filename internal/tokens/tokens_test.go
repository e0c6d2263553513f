package tokens

import (
	"context"
	"strings"
	"testing"
)

func TestCreateAndVerify(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	plain, tok, err := s.Create(ctx, "ingest")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !strings.HasPrefix(plain, Prefix) {
		t.Errorf("expected %s prefix, got %q", Prefix, plain)
	}
	if tok.Name != "ingest" || tok.Hash == "" {
		t.Errorf("unexpected token record: %+v", tok)
	}
	if tok.Hash == plain {
		t.Error("plaintext must not be stored")
	}

	ok, err := s.Verify(ctx, plain)
	if err != nil || !ok {
		t.Errorf("expected valid token, got ok=%v err=%v", ok, err)
	}
	ok, err = s.Verify(ctx, Prefix+"deadbeef")
	if err != nil || ok {
		t.Errorf("expected unknown token to fail, got ok=%v err=%v", ok, err)
	}
}

func TestCreateRequiresName(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, _, err := s.Create(context.Background(), ""); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestRevoke(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	plain, tok, err := s.Create(ctx, "ci")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Revoke(ctx, tok.ID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	ok, err := s.Verify(ctx, plain)
	if err != nil || ok {
		t.Errorf("expected revoked token to fail, got ok=%v err=%v", ok, err)
	}

	// Revoking again or revoking a ghost reports not found.
	if err := s.Revoke(ctx, tok.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Revoke(ctx, "t_nope"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestList(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, _, err := s.Create(ctx, "one"); err != nil {
		t.Fatal(err)
	}
	_, second, err := s.Create(ctx, "two")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Revoke(ctx, second.ID); err != nil {
		t.Fatal(err)
	}

	toks, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(toks) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(toks))
	}
	revoked := 0
	for _, tok := range toks {
		if tok.RevokedAt != nil {
			revoked++
		}
	}
	if revoked != 1 {
		t.Errorf("expected 1 revoked token, got %d", revoked)
	}
}
