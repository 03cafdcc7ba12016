package middleware

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/keygate/keygate/internal/identity"
	"github.com/keygate/keygate/internal/logging"
)

type idempotencyHarness struct {
	app   *fiber.App
	mr    *miniredis.Miniredis
	calls atomic.Int32
}

func setupTestApp(t *testing.T) *idempotencyHarness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	h := &idempotencyHarness{app: fiber.New(), mr: mr}
	h.app.Use(Idempotency(cache, time.Minute, logging.Discard()))
	h.app.Post("/resource", func(c *fiber.Ctx) error {
		n := h.calls.Add(1)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"ok": true, "n": n})
	})
	h.app.Post("/broken", func(c *fiber.Ctx) error {
		h.calls.Add(1)
		return c.Status(fiber.StatusBadGateway).SendString("upstream down")
	})

	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})
	return h
}

func post(t *testing.T, app *fiber.App, path, key, caller string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	if caller != "" {
		req.Header.Set(identity.Header, caller)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode, string(body)
}

func TestIdempotencyPassesThroughWithoutHeader(t *testing.T) {
	h := setupTestApp(t)

	for i := 0; i < 2; i++ {
		status, _ := post(t, h.app, "/resource", "", "1")
		if status != fiber.StatusCreated {
			t.Fatalf("expected %d got %d", fiber.StatusCreated, status)
		}
	}
	if got := h.calls.Load(); got != 2 {
		t.Fatalf("expected handler to run twice, ran %d", got)
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	h := setupTestApp(t)

	status, payload := post(t, h.app, "/resource", "abc123", "1")
	if status != fiber.StatusCreated {
		t.Fatalf("expected status %d got %d", fiber.StatusCreated, status)
	}

	// Second request should return the cached response without invoking handler again.
	status, cached := post(t, h.app, "/resource", "abc123", "1")
	if status != fiber.StatusCreated {
		t.Fatalf("expected cached status %d got %d", fiber.StatusCreated, status)
	}
	if cached != payload {
		t.Fatalf("expected cached payload %s got %s", payload, cached)
	}
	if got := h.calls.Load(); got != 1 {
		t.Fatalf("expected handler to run once, ran %d", got)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(cached), &decoded); err != nil {
		t.Fatalf("cached payload invalid json: %v", err)
	}
}

func TestIdempotencyKeysAreScopedPerCaller(t *testing.T) {
	h := setupTestApp(t)

	post(t, h.app, "/resource", "shared", "1")
	post(t, h.app, "/resource", "shared", "2")
	if got := h.calls.Load(); got != 2 {
		t.Fatalf("expected each caller to reach the handler, ran %d", got)
	}
}

func TestIdempotencyRejectsConcurrentDuplicate(t *testing.T) {
	h := setupTestApp(t)
	if err := h.mr.Set(idempotencyPrefix+"tg:1:/resource:dup", inProgressMarker); err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	status, _ := post(t, h.app, "/resource", "dup", "1")
	if status != fiber.StatusConflict {
		t.Fatalf("expected %d got %d", fiber.StatusConflict, status)
	}
	if h.calls.Load() != 0 {
		t.Fatal("handler must not run for an in-flight duplicate")
	}
}

func TestIdempotencyDoesNotStoreServerErrors(t *testing.T) {
	h := setupTestApp(t)

	for i := 0; i < 2; i++ {
		status, _ := post(t, h.app, "/broken", "retry-me", "1")
		if status != fiber.StatusBadGateway {
			t.Fatalf("expected %d got %d", fiber.StatusBadGateway, status)
		}
	}
	if got := h.calls.Load(); got != 2 {
		t.Fatalf("expected retry to reach the handler, ran %d", got)
	}
}
