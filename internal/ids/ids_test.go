package ids

import (
	"testing"
	"time"
)

func TestNewIsSortable(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not increasing: %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestNewAtEmbedsTime(t *testing.T) {
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	got, err := Time(NewAt(at))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(at) {
		t.Fatalf("time = %v, want %v", got, at)
	}
	if _, err := Time("not-a-ulid"); err == nil {
		t.Fatal("expected parse error")
	}
}
