package keystore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenFileMissingIsEmpty(t *testing.T) {
	backend, err := OpenFile(filepath.Join(t.TempDir(), "absent", "store.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := backend.FindCredential(context.Background(), Digest("kg_x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected empty store, got %v", err)
	}
}

func TestOpenFileRejectsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := OpenFile(path); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
}

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()

	first, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	svc := NewService(first, Options{StartingBonus: 100})
	cred, err := svc.Issue(ctx, IssueInput{Owner: "alice", Label: "laptop"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.AdjustBalance(ctx, "alice", 250); err != nil {
		t.Fatalf("grant: %v", err)
	}

	second, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reopened := NewService(second, Options{StartingBonus: 100})
	got, err := reopened.Verify(ctx, cred.Token)
	if err != nil {
		t.Fatalf("verify after reopen: %v", err)
	}
	if got.Owner != "alice" || got.Label != "laptop" {
		t.Fatalf("unexpected credential after reopen: %+v", got)
	}
	acct, err := reopened.Touch(ctx, "alice")
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if acct.Balance != 350 {
		t.Fatalf("expected balance 350 after reopen, got %d", acct.Balance)
	}
}

func TestFileBackendStoresDigestNotToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	backend, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cred, err := NewService(backend, Options{}).Issue(context.Background(), IssueInput{Owner: "bob"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(data), cred.Token) {
		t.Fatal("plaintext token written to disk")
	}
	if !strings.Contains(string(data), cred.Digest) {
		t.Fatal("expected digest in stored document")
	}
}

func TestFileBackendFailedWriteLeavesStateUnchanged(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "data")
	ctx := context.Background()

	backend, err := OpenFile(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	svc := NewService(backend, Options{StartingBonus: 100})
	if _, err := svc.Touch(ctx, "carol"); err != nil {
		t.Fatalf("touch: %v", err)
	}

	// Replace the data directory with a regular file so the next save fails.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.WriteFile(dir, []byte("x"), 0o600); err != nil {
		t.Fatalf("block dir: %v", err)
	}

	if _, err := svc.AdjustBalance(ctx, "carol", 500); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	if _, err := svc.DebitAndIssue(ctx, DebitInput{Owner: "carol", Cost: 50}); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	acct, err := backend.FindAccount(ctx, "carol")
	if err != nil {
		t.Fatalf("find account: %v", err)
	}
	if acct.Balance != 100 {
		t.Fatalf("expected balance untouched at 100, got %d", acct.Balance)
	}
}
