package image

import (
	"context"
	"io"
	"testing"

	"github.com/mira-run/mira/internal/ingest/blobstore"
)

func TestSaveTiersWritesBothRenditions(t *testing.T) {
	store, err := blobstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	src := encodeTestPNG(t, 2000, 1500)
	saved, err := SaveTiers(ctx, store, "user-1/img-1", src)
	if err != nil {
		t.Fatalf("SaveTiers: %v", err)
	}
	if saved.InferenceURI == "" || saved.StorageURI == "" {
		t.Fatalf("saved uris = %+v", saved)
	}

	for _, id := range []string{"user-1/img-1/inference", "user-1/img-1/storage"} {
		rc, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil || len(data) == 0 {
			t.Fatalf("blob %s empty: %v", id, err)
		}
	}
}

func TestSaveTiersRejectsNonImage(t *testing.T) {
	store, err := blobstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	if _, err := SaveTiers(context.Background(), store, "user-1/bad", []byte("not an image")); err == nil {
		t.Fatal("non-image accepted")
	}
}
