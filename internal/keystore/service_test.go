package keystore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testBackends(t *testing.T) map[string]Backend {
	t.Helper()
	file, err := OpenFile(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("open file backend: %v", err)
	}
	return map[string]Backend{
		"memory": NewInMemory(),
		"file":   file,
	}
}

func TestIssueThenVerifyReturnsOwner(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(backend, Options{})
			ctx := context.Background()

			for _, owner := range []string{"123456789", "alice", "user with spaces", "7"} {
				cred, err := svc.Issue(ctx, IssueInput{Owner: owner})
				if err != nil {
					t.Fatalf("issue for %q: %v", owner, err)
				}
				if cred.Token == "" {
					t.Fatal("expected plaintext token on issued credential")
				}
				if !cred.ExpiresAt.After(cred.IssuedAt) {
					t.Fatalf("expected expiry after issue, got %v <= %v", cred.ExpiresAt, cred.IssuedAt)
				}

				verified, err := svc.Verify(ctx, cred.Token)
				if err != nil {
					t.Fatalf("verify for %q: %v", owner, err)
				}
				if verified.Owner != owner {
					t.Fatalf("expected owner %q, got %q", owner, verified.Owner)
				}
			}
		})
	}
}

func TestVerifyExpiryBoundary(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newTestClock()
			svc := NewService(backend, Options{Clock: clock.Now})
			ctx := context.Background()
			now := clock.Now()

			past := Credential{Digest: Digest("kg_past"), Owner: "a", Kind: KindFree, IssuedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Second)}
			future := Credential{Digest: Digest("kg_future"), Owner: "b", Kind: KindFree, IssuedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Second)}
			for _, cred := range []Credential{past, future} {
				if err := backend.InsertCredential(ctx, cred); err != nil {
					t.Fatalf("seed credential: %v", err)
				}
			}

			if _, err := svc.Verify(ctx, "kg_past"); !errors.Is(err, ErrExpired) {
				t.Fatalf("expected expired, got %v", err)
			}
			got, err := svc.Verify(ctx, "kg_future")
			if err != nil {
				t.Fatalf("expected live credential, got %v", err)
			}
			if got.Owner != "b" {
				t.Fatalf("expected owner b, got %q", got.Owner)
			}

			// The verify above swept the expired entry.
			if _, err := svc.Verify(ctx, "kg_past"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found after sweep, got %v", err)
			}
		})
	}
}

func TestVerifyExpiryInclusive(t *testing.T) {
	clock := newTestClock()
	svc := NewService(NewInMemory(), Options{Clock: clock.Now, Validity: time.Hour})
	ctx := context.Background()

	cred, err := svc.Issue(ctx, IssueInput{Owner: "a"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clock.Advance(time.Hour)
	if _, err := svc.Verify(ctx, cred.Token); err != nil {
		t.Fatalf("expected credential live at its expiry instant, got %v", err)
	}
	clock.Advance(time.Nanosecond)
	if _, err := svc.Verify(ctx, cred.Token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired just after expiry, got %v", err)
	}
}

func TestVerifyUnknownToken(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(backend, Options{})
			if _, err := svc.Verify(context.Background(), "not-a-real-token"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestVerifyEmptyToken(t *testing.T) {
	svc := NewService(NewInMemory(), Options{})
	if _, err := svc.Verify(context.Background(), "   "); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestSweepExpiredIsIdempotent(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newTestClock()
			svc := NewService(backend, Options{Clock: clock.Now})
			ctx := context.Background()

			short, err := svc.Issue(ctx, IssueInput{Owner: "a", Validity: time.Hour})
			if err != nil {
				t.Fatalf("issue short: %v", err)
			}
			long, err := svc.Issue(ctx, IssueInput{Owner: "a", Validity: 48 * time.Hour})
			if err != nil {
				t.Fatalf("issue long: %v", err)
			}

			clock.Advance(2 * time.Hour)

			removed, err := svc.SweepExpired(ctx)
			if err != nil {
				t.Fatalf("first sweep: %v", err)
			}
			if removed != 1 {
				t.Fatalf("expected 1 removed, got %d", removed)
			}
			removed, err = svc.SweepExpired(ctx)
			if err != nil {
				t.Fatalf("second sweep: %v", err)
			}
			if removed != 0 {
				t.Fatalf("expected second sweep to be a no-op, got %d", removed)
			}

			if _, err := backend.FindCredential(ctx, short.Digest); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected short credential gone, got %v", err)
			}
			if _, err := svc.Verify(ctx, long.Token); err != nil {
				t.Fatalf("expected long credential live, got %v", err)
			}
		})
	}
}

func TestDebitAndIssueNoDoubleSpend(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(backend, Options{})
			ctx := context.Background()
			const cost = int64(300)

			for round := 0; round < 20; round++ {
				owner := fmt.Sprintf("owner-%d", round)
				if _, err := svc.AdjustBalance(ctx, owner, cost); err != nil {
					t.Fatalf("seed balance: %v", err)
				}

				var (
					wg           sync.WaitGroup
					start        = make(chan struct{})
					mu           sync.Mutex
					successes    int
					insufficient int
				)
				for i := 0; i < 2; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start
						_, err := svc.DebitAndIssue(ctx, DebitInput{Owner: owner, Cost: cost})
						mu.Lock()
						defer mu.Unlock()
						switch {
						case err == nil:
							successes++
						case errors.Is(err, ErrInsufficientBalance):
							insufficient++
						default:
							t.Errorf("unexpected error: %v", err)
						}
					}()
				}
				close(start)
				wg.Wait()

				if successes != 1 || insufficient != 1 {
					t.Fatalf("round %d: expected 1 success and 1 insufficient, got %d and %d", round, successes, insufficient)
				}
				acct, err := backend.FindAccount(ctx, owner)
				if err != nil {
					t.Fatalf("find account: %v", err)
				}
				if acct.Balance != 0 {
					t.Fatalf("round %d: expected final balance 0, got %d", round, acct.Balance)
				}
			}
		})
	}
}

func TestAdjustBalanceConcurrentGrantsAllLand(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			const bonus = int64(100)
			svc := NewService(backend, Options{StartingBonus: bonus})
			ctx := context.Background()
			const workers = 25

			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := svc.AdjustBalance(ctx, "grantee", 100); err != nil {
						t.Errorf("grant: %v", err)
					}
				}()
			}
			wg.Wait()

			acct, err := svc.Touch(ctx, "grantee")
			if err != nil {
				t.Fatalf("touch: %v", err)
			}
			if want := bonus + 100*workers; acct.Balance != want {
				t.Fatalf("expected balance %d, got %d", want, acct.Balance)
			}
		})
	}
}

func TestAdjustBalanceRejectsOverflow(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(backend, Options{StartingBonus: 50})
			ctx := context.Background()

			balance, err := svc.AdjustBalance(ctx, "a", math.MaxInt64)
			if !errors.Is(err, ErrInvalidOwner) {
				t.Fatalf("expected invalid owner, got %v", err)
			}
			if balance != 50 {
				t.Fatalf("expected unchanged balance 50, got %d", balance)
			}
			balance, err = svc.AdjustBalance(ctx, "a", math.MaxInt64-50)
			if err != nil {
				t.Fatalf("grant to the ceiling: %v", err)
			}
			if balance != math.MaxInt64 {
				t.Fatalf("expected %d, got %d", int64(math.MaxInt64), balance)
			}
		})
	}
}

func TestAdjustBalanceRejectsNegative(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(backend, Options{StartingBonus: 50})
			ctx := context.Background()

			balance, err := svc.AdjustBalance(ctx, "a", -51)
			if !errors.Is(err, ErrInvalidOwner) {
				t.Fatalf("expected invalid owner, got %v", err)
			}
			if balance != 50 {
				t.Fatalf("expected unchanged balance 50, got %d", balance)
			}
			balance, err = svc.AdjustBalance(ctx, "a", -50)
			if err != nil {
				t.Fatalf("debit to zero: %v", err)
			}
			if balance != 0 {
				t.Fatalf("expected 0, got %d", balance)
			}
		})
	}
}

func TestStartingBonusAppliedOnce(t *testing.T) {
	svc := NewService(NewInMemory(), Options{StartingBonus: 100})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		acct, err := svc.Touch(ctx, "a")
		if err != nil {
			t.Fatalf("touch: %v", err)
		}
		if acct.Balance != 100 {
			t.Fatalf("expected bonus 100 exactly once, got %d", acct.Balance)
		}
	}
	if _, err := svc.Touch(ctx, ""); !errors.Is(err, ErrInvalidOwner) {
		t.Fatalf("expected invalid owner for empty identity, got %v", err)
	}
}

func TestBalanceGatedScenario(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(backend, Options{StartingBonus: 100})
			ctx := context.Background()
			const cost = int64(300)

			acct, err := svc.Touch(ctx, "555")
			if err != nil {
				t.Fatalf("touch: %v", err)
			}
			if acct.Balance != 100 {
				t.Fatalf("expected first-touch bonus 100, got %d", acct.Balance)
			}

			res, err := svc.DebitAndIssue(ctx, DebitInput{Owner: "555", Cost: cost})
			if !errors.Is(err, ErrInsufficientBalance) {
				t.Fatalf("expected insufficient balance, got %v", err)
			}
			if res.Balance != 100 {
				t.Fatalf("expected reported balance 100, got %d", res.Balance)
			}

			balance, err := svc.AdjustBalance(ctx, "555", 300)
			if err != nil {
				t.Fatalf("grant: %v", err)
			}
			if balance != 400 {
				t.Fatalf("expected 400 after grant, got %d", balance)
			}

			res, err = svc.DebitAndIssue(ctx, DebitInput{Owner: "555", Cost: cost})
			if err != nil {
				t.Fatalf("debit and issue: %v", err)
			}
			if res.Balance != 100 {
				t.Fatalf("expected 100 after purchase, got %d", res.Balance)
			}
			if got := res.Credential.ExpiresAt.Sub(res.Credential.IssuedAt); got != 30*24*time.Hour {
				t.Fatalf("expected 30 day validity, got %v", got)
			}
			if res.Credential.Kind != KindPurchased {
				t.Fatalf("expected purchased kind, got %s", res.Credential.Kind)
			}
			if _, err := svc.Verify(ctx, res.Credential.Token); err != nil {
				t.Fatalf("verify purchased credential: %v", err)
			}
		})
	}
}

func TestIssuePremiumRequiresFlag(t *testing.T) {
	svc := NewService(NewInMemory(), Options{})
	ctx := context.Background()

	if _, err := svc.IssuePremium(ctx, "42", "bot"); !errors.Is(err, ErrNotPremium) {
		t.Fatalf("expected not premium, got %v", err)
	}
	if !errors.Is(ErrNotPremium, ErrForbidden) {
		t.Fatal("expected ErrNotPremium to be a forbidden error")
	}

	if _, err := svc.SetPremium(ctx, "42", true); err != nil {
		t.Fatalf("grant premium: %v", err)
	}
	cred, err := svc.IssuePremium(ctx, "42", "bot")
	if err != nil {
		t.Fatalf("issue premium: %v", err)
	}
	if cred.Kind != KindPremium || cred.Label != "bot" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
}

func TestIssueRegeneratesOnCollision(t *testing.T) {
	backend := NewInMemory()
	ctx := context.Background()
	if err := backend.InsertCredential(ctx, Credential{Digest: Digest("kg_taken"), Owner: "x", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	tokens := []string{"kg_taken", "kg_fresh"}
	next := 0
	svc := NewService(backend, Options{Tokens: func() (string, error) {
		tok := tokens[next]
		next++
		return tok, nil
	}})

	cred, err := svc.Issue(ctx, IssueInput{Owner: "a"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if cred.Token != "kg_fresh" {
		t.Fatalf("expected regenerated token, got %q", cred.Token)
	}
}

func TestIssueGivesUpAfterRepeatedCollisions(t *testing.T) {
	backend := NewInMemory()
	ctx := context.Background()
	if err := backend.InsertCredential(ctx, Credential{Digest: Digest("kg_taken"), Owner: "x", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc := NewService(backend, Options{Tokens: func() (string, error) { return "kg_taken", nil }})

	if _, err := svc.Issue(ctx, IssueInput{Owner: "a"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestNewTokenEntropy(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		tok, err := NewToken()
		if err != nil {
			t.Fatalf("new token: %v", err)
		}
		if len(tok) != len(TokenPrefix)+43 {
			t.Fatalf("unexpected token length %d", len(tok))
		}
		if _, dup := seen[tok]; dup {
			t.Fatalf("duplicate token %s", tok)
		}
		seen[tok] = struct{}{}
	}
	if Digest("a") == Digest("b") || len(Digest("a")) != 64 {
		t.Fatal("unexpected digest behaviour")
	}
}
