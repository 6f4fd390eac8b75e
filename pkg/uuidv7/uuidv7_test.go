package uuidv7

import (
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestNew(t *testing.T) {
	before := time.Now().UnixMilli()
	u, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	after := time.Now().UnixMilli()

	if u.Version() != 7 {
		t.Fatalf("version=%d", u.Version())
	}
	if u.Variant() != uuid.RFC4122 {
		t.Fatalf("variant=%v", u.Variant())
	}

	var ms int64
	for _, b := range u[:6] {
		ms = ms<<8 | int64(b)
	}
	if ms < before || ms > after {
		t.Fatalf("timestamp %d outside [%d, %d]", ms, before, after)
	}
}

func TestNewString(t *testing.T) {
	got, err := NewString()
	if err != nil {
		t.Fatalf("NewString: %v", err)
	}
	if _, err := uuid.Parse(got); err != nil {
		t.Fatalf("parse %q: %v", got, err)
	}
}

func TestRandSourceFailure(t *testing.T) {
	orig := rand.Reader
	rand.Reader = errReader{}
	defer func() { rand.Reader = orig }()

	if _, err := New(); err == nil {
		t.Fatal("expected error from New")
	}
	if _, err := NewString(); err == nil {
		t.Fatal("expected error from NewString")
	}
}
