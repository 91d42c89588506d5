// Package archive mirrors raw upstream payloads to the object store so every
// batch can be replayed or audited later. Archive failures warn but never
// fail the pipeline; the warehouse rows are the system of record.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"cloud.google.com/go/storage"

	"adpipeline/internal/batch"
	"adpipeline/internal/models"
)

const writeTimeout = time.Minute

// Archiver writes batch-scoped objects into one bucket.
type Archiver struct {
	client *storage.Client
	bucket string
}

func NewArchiver(client *storage.Client, bucket string) *Archiver {
	return &Archiver{client: client, bucket: bucket}
}

// ObjectPath is the deterministic location of a batch's raw payload.
func ObjectPath(source string, batchID batch.ID) string {
	return fmt.Sprintf("%s/batch_%s/data.json", source, batchID)
}

// VideoPath is the location of one creative's video asset inside a batch.
func VideoPath(source string, batchID batch.ID, materialID string) string {
	return fmt.Sprintf("%s/batch_%s/video/%s.mp4", source, batchID, materialID)
}

// Put archives one raw payload. Overwrite is permitted: a re-run replaces the
// earlier object at the same path.
func (a *Archiver) Put(ctx context.Context, payload models.RawPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	path := ObjectPath(payload.Source, batch.ID(payload.BatchID))
	if err := a.write(ctx, path, "application/json", data); err != nil {
		return fmt.Errorf("archive %s: %w", path, err)
	}
	log.Printf("[archive] wrote %s (%d bytes)", path, len(data))
	return nil
}

// PutVideo streams one creative asset under the batch prefix.
func (a *Archiver) PutVideo(ctx context.Context, source string, batchID batch.ID, materialID string, r io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	path := VideoPath(source, batchID, materialID)
	w := a.client.Bucket(a.bucket).Object(path).NewWriter(ctx)
	w.ContentType = "video/mp4"
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("archive video %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive video %s: %w", path, err)
	}
	return nil
}

// PutCredential satisfies the credential store's Mirror contract: a disaster
// recovery copy of the token files, for providers whose re-acquisition needs
// a human.
func (a *Archiver) PutCredential(ctx context.Context, provider, filename string, data []byte) error {
	path := fmt.Sprintf("credentials/%s/%s", provider, filename)
	return a.write(ctx, path, "application/json", data)
}

func (a *Archiver) write(ctx context.Context, path, contentType string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	w := a.client.Bucket(a.bucket).Object(path).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
