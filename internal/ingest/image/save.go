package image

import (
	"context"
	"fmt"

	"github.com/mira-run/mira/internal/ingest/blobstore"
)

// SavedTiers records where each rendition of one ingested image landed in
// the blob store.
type SavedTiers struct {
	InferenceURI string
	StorageURI   string
}

// SaveTiers compresses src and writes both renditions to store under
// "<baseID>/inference" and "<baseID>/storage". The inference-tier write
// happens first; on a storage-tier failure the inference blob is removed so
// a half-saved image never survives.
func SaveTiers(ctx context.Context, store blobstore.Store, baseID string, src []byte) (SavedTiers, error) {
	tiers, err := Compress(src)
	if err != nil {
		return SavedTiers{}, err
	}

	infURI, err := blobstore.PutBytes(ctx, store, baseID+"/inference", tiers.Inference, blobstore.PutOptions{
		MimeType: tiers.InferenceFormat,
	})
	if err != nil {
		return SavedTiers{}, fmt.Errorf("ingest/image: save inference tier: %w", err)
	}

	storeURI, err := blobstore.PutBytes(ctx, store, baseID+"/storage", tiers.Storage, blobstore.PutOptions{
		MimeType: tiers.StorageFormat,
	})
	if err != nil {
		_ = store.Delete(ctx, baseID+"/inference")
		return SavedTiers{}, fmt.Errorf("ingest/image: save storage tier: %w", err)
	}

	return SavedTiers{InferenceURI: infURI, StorageURI: storeURI}, nil
}
