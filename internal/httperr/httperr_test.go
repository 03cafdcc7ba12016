package httperr

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/keygate/keygate/internal/identity"
	"github.com/keygate/keygate/internal/keystore"
	"github.com/keygate/keygate/internal/logging"
)

func TestFromMapsStoreErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{keystore.ErrNotFound, http.StatusUnauthorized},
		{keystore.ErrUnauthorized, http.StatusUnauthorized},
		{keystore.ErrExpired, http.StatusForbidden},
		{keystore.ErrNotPremium, http.StatusForbidden},
		{keystore.ErrInsufficientBalance, http.StatusPaymentRequired},
		{fmt.Errorf("%w: owner is required", keystore.ErrInvalidOwner), http.StatusBadRequest},
		{keystore.ErrConflict, http.StatusConflict},
		{fmt.Errorf("save: %w: %w", keystore.ErrStorageUnavailable, errors.New("disk full")), http.StatusServiceUnavailable},
		{identity.ErrMissing, http.StatusUnauthorized},
		{identity.ErrInvalid, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		var fe *fiber.Error
		if !errors.As(From(tc.err), &fe) {
			t.Fatalf("expected fiber error for %v", tc.err)
		}
		if fe.Code != tc.want {
			t.Fatalf("%v: expected %d got %d", tc.err, tc.want, fe.Code)
		}
	}
	if From(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestHandlerHidesInternalDetail(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: Handler(logging.Discard())})
	app.Get("/", func(c *fiber.Ctx) error {
		return fmt.Errorf("open /var/lib/secret: %w", keystore.ErrStorageUnavailable)
	})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "/var/lib") {
		t.Fatalf("internal detail leaked: %s", body)
	}
	if !strings.Contains(string(body), "storage unavailable") {
		t.Fatalf("unexpected body %s", body)
	}
}
