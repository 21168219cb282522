package blobstore

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	uri, err := store.Put(ctx, "user-1/img/inference", bytes.NewReader([]byte("payload")), PutOptions{MimeType: "image/png"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if uri == "" {
		t.Fatal("Put returned empty uri")
	}

	ok, err := store.Exists(ctx, "user-1/img/inference")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}

	rc, err := store.Get(ctx, "user-1/img/inference")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || string(data) != "payload" {
		t.Fatalf("Get = %q, %v", data, err)
	}

	if err := store.Delete(ctx, "user-1/img/inference"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, err = store.Exists(ctx, "user-1/img/inference")
	if err != nil || ok {
		t.Fatalf("Exists after delete = %v, %v", ok, err)
	}
	// Deleting a missing blob is a no-op, not an error.
	if err := store.Delete(ctx, "user-1/img/inference"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	for _, id := range []string{"../escape", "/abs/path", "."} {
		if _, err := store.Put(ctx, id, bytes.NewReader(nil), PutOptions{}); err == nil {
			t.Errorf("Put(%q) accepted", id)
		}
	}
}
