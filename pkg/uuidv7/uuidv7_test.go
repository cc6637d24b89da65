package uuidv7

import (
	"testing"
	"time"
)

func TestNewVersionAndVariant(t *testing.T) {
	u, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := u.Version(); got != 7 {
		t.Fatalf("version = %d, want 7", got)
	}
	b := u[8]
	if b&0xc0 != 0x80 {
		t.Fatalf("variant byte = %#x, want 0b10xxxxxx", b)
	}
}

func TestNewEmbedsCurrentMillis(t *testing.T) {
	before := time.Now().UnixMilli()
	u, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	after := time.Now().UnixMilli()

	var ms uint64
	for i := 0; i < 6; i++ {
		ms = ms<<8 | uint64(u[i])
	}
	if int64(ms) < before || int64(ms) > after {
		t.Fatalf("embedded millis %d outside [%d, %d]", ms, before, after)
	}
}

func TestNewStringOrdering(t *testing.T) {
	a, err := NewString()
	if err != nil {
		t.Fatalf("NewString: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	b, err := NewString()
	if err != nil {
		t.Fatalf("NewString: %v", err)
	}
	if !(a < b) {
		t.Fatalf("uuids not time-ordered: %s >= %s", a, b)
	}
}
