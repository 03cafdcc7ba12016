package topup

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/keygate/keygate/internal/keystore"
	"github.com/keygate/keygate/internal/notification"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification.Message
}

func (n *recordingNotifier) Send(_ context.Context, m notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, m)
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.Kind)
	}
	return out
}

type failingCrediter struct{}

func (failingCrediter) AdjustBalance(context.Context, string, int64) (int64, error) {
	return 0, keystore.ErrStorageUnavailable
}

func testRepos(t *testing.T) map[string]Repository {
	t.Helper()
	file, err := OpenFileRepository(filepath.Join(t.TempDir(), "topups.json"))
	if err != nil {
		t.Fatalf("open file repository: %v", err)
	}
	return map[string]Repository{"memory": NewMemoryRepository(), "file": file}
}

func TestApproveCreditsBalanceOnce(t *testing.T) {
	for name, repo := range testRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := keystore.NewService(keystore.NewInMemory(), keystore.Options{StartingBonus: 100})
			notifier := &recordingNotifier{}
			svc := NewService(repo, store, Options{Notifier: notifier, Admins: []string{"1"}})

			req, err := svc.Submit(ctx, "555", 300, "MPESA-QX81")
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if req.Status != StatusPending {
				t.Fatalf("expected pending, got %s", req.Status)
			}

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				approved  int
				decided   int
				lastError error
			)
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _, err := svc.Approve(ctx, req.ID, "1")
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						approved++
					case errors.Is(err, ErrAlreadyDecided):
						decided++
					default:
						lastError = err
					}
				}()
			}
			wg.Wait()

			if lastError != nil {
				t.Fatalf("unexpected error: %v", lastError)
			}
			if approved != 1 || decided != 4 {
				t.Fatalf("expected 1 approval and 4 already-decided, got %d and %d", approved, decided)
			}
			acct, err := store.Touch(ctx, "555")
			if err != nil {
				t.Fatalf("touch: %v", err)
			}
			if acct.Balance != 400 {
				t.Fatalf("expected balance 400, got %d", acct.Balance)
			}

			kinds := notifier.kinds()
			if len(kinds) != 2 || kinds[0] != notification.KindTopupSubmitted || kinds[1] != notification.KindTopupDecided {
				t.Fatalf("unexpected notifications %v", kinds)
			}
		})
	}
}

func TestApproveReopensWhenCreditFails(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	svc := NewService(repo, failingCrediter{}, Options{})

	req, err := svc.Submit(ctx, "9", 50, "ref-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := svc.Approve(ctx, req.ID, "1"); !errors.Is(err, keystore.ErrStorageUnavailable) {
		t.Fatalf("expected storage error, got %v", err)
	}
	got, err := repo.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending || got.DecidedBy != "" {
		t.Fatalf("expected request reopened, got %+v", got)
	}
}

func TestRejectLeavesBalance(t *testing.T) {
	ctx := context.Background()
	store := keystore.NewService(keystore.NewInMemory(), keystore.Options{StartingBonus: 10})
	svc := NewService(NewMemoryRepository(), store, Options{})

	req, err := svc.Submit(ctx, "9", 50, "ref-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rejected, err := svc.Reject(ctx, req.ID, "1")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != StatusRejected || rejected.DecidedBy != "1" || rejected.DecidedAt.IsZero() {
		t.Fatalf("unexpected decision %+v", rejected)
	}
	if _, _, err := svc.Approve(ctx, req.ID, "1"); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected already decided, got %v", err)
	}
	acct, _ := store.Touch(ctx, "9")
	if acct.Balance != 10 {
		t.Fatalf("expected untouched balance 10, got %d", acct.Balance)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc := NewService(NewMemoryRepository(), failingCrediter{}, Options{})
	ctx := context.Background()
	cases := []struct {
		owner, ref string
		amount     int64
	}{
		{"", "ref", 10},
		{"1", "ref", 0},
		{"1", "ref", -5},
		{"1", "   ", 10},
		{"1", string(make([]byte, maxReferenceLen+1)), 10},
	}
	for _, tc := range cases {
		if _, err := svc.Submit(ctx, tc.owner, tc.amount, tc.ref); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected invalid for %+v, got %v", tc, err)
		}
	}
	if _, _, err := svc.Approve(ctx, "missing", "1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListFilters(t *testing.T) {
	for name, repo := range testRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := keystore.NewService(keystore.NewInMemory(), keystore.Options{})
			svc := NewService(repo, store, Options{})

			first, _ := svc.Submit(ctx, "1", 10, "a")
			if _, err := svc.Submit(ctx, "2", 20, "b"); err != nil {
				t.Fatalf("submit: %v", err)
			}
			if _, err := svc.Submit(ctx, "1", 30, "c"); err != nil {
				t.Fatalf("submit: %v", err)
			}
			if _, _, err := svc.Approve(ctx, first.ID, "admin"); err != nil {
				t.Fatalf("approve: %v", err)
			}

			mine, err := svc.Mine(ctx, "1")
			if err != nil || len(mine) != 2 {
				t.Fatalf("expected 2 requests for owner 1, got %d (%v)", len(mine), err)
			}
			if mine[0].ID != first.ID {
				t.Fatal("expected oldest first")
			}
			pending, err := svc.List(ctx, StatusPending)
			if err != nil || len(pending) != 2 {
				t.Fatalf("expected 2 pending, got %d (%v)", len(pending), err)
			}
			if _, err := svc.List(ctx, Status("bogus")); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected invalid status, got %v", err)
			}
		})
	}
}

func TestFileRepositoryReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topups.json")
	ctx := context.Background()
	repo, err := OpenFileRepository(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	svc := NewService(repo, failingCrediter{}, Options{})
	req, err := svc.Submit(ctx, "3", 70, "bank-77")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	reopened, err := OpenFileRepository(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Amount != 70 || got.Reference != "bank-77" || got.Status != StatusPending {
		t.Fatalf("unexpected request after reload: %+v", got)
	}
}
