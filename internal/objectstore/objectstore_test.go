package objectstore

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestFakePutGetRoundTrip(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	data := "dump bytes"

	if err := f.Put(ctx, "backups/b1.dump", strings.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r, err := f.Get(ctx, "backups/b1.dump")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != data {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestFakeHeadReportsSize(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	data := "0123456789"

	if err := f.Put(ctx, "k", strings.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	size, err := f.Head(ctx, "k")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if size != int64(len(data)) {
		t.Fatalf("size = %d, want %d", size, len(data))
	}
}

func TestFakeGetMissingKeyErrors(t *testing.T) {
	f := NewFake()
	if _, err := f.Get(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestFakeDeleteThenGetErrors(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	_ = f.Put(ctx, "k", strings.NewReader("x"), 1)
	if err := f.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.Get(ctx, "k"); err == nil {
		t.Fatal("expected error after delete")
	}
}

func TestKeyForDerivesBackupPath(t *testing.T) {
	k := KeyFor("backup-123")
	if !strings.HasPrefix(k, "backups/") || !strings.Contains(k, "backup-123") {
		t.Fatalf("KeyFor = %q", k)
	}
}
