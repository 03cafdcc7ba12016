package ids

import (
	"testing"
	"time"
)

func TestNewIsSortableAndValid(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	prev := ""
	for i := 0; i < 100; i++ {
		id := NewAt(at)
		if !Valid(id) {
			t.Fatalf("invalid id %q", id)
		}
		if id <= prev {
			t.Fatalf("expected %q > %q", id, prev)
		}
		prev = id
	}
	if Valid("not-an-id") {
		t.Fatal("expected garbage to be invalid")
	}
}
