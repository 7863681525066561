package adapters

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"path"
	"time"

	"backupflow/backend/internal/objectstore"
)

// ReceiptName is the entry upload adapters write into their output directory.
const ReceiptName = "receipt.json"

// Receipt records where an artifact was shipped.
type Receipt struct {
	Destination string    `json:"destination"`
	Location    string    `json:"location"`
	Bytes       int64     `json:"bytes"`
	SHA256      string    `json:"sha256"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

type countingHash struct {
	h hash.Hash
	n int64
}

func (c *countingHash) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return c.h.Write(p)
}

func (c *countingHash) sum() string { return hex.EncodeToString(c.h.Sum(nil)) }

func writeReceipt(ctx context.Context, req Request, r Receipt) error {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return req.Store.Write(ctx, req.Output.Entry(ReceiptName), bytes.NewReader(raw))
}

// ObjectStorageUpload copies its input to a named destination store. Config:
// "destination" (required) and "prefix".
type ObjectStorageUpload struct {
	Destinations map[string]objectstore.Store
	now          func() time.Time
}

func (a *ObjectStorageUpload) Run(ctx context.Context, req Request) error {
	if err := requireInput(req); err != nil {
		return err
	}
	name, err := configValue(req.Step, "destination")
	if err != nil {
		return err
	}
	dest, ok := a.Destinations[name]
	if !ok {
		return fmt.Errorf("step %s: unknown destination %q", req.Step.ID, name)
	}

	src, err := req.Store.Read(ctx, req.Input.Entry)
	if err != nil {
		return fmt.Errorf("failed to open input %s: %w", req.Input.Entry, err)
	}
	defer src.Close()

	key := path.Join(req.Step.Config["prefix"], req.PipelineID, req.ExecutionID, req.Input.Name())
	sum := &countingHash{h: sha256.New()}
	if err := dest.Put(ctx, key, io.TeeReader(src, sum)); err != nil {
		return fmt.Errorf("failed to upload to %s: %w", name, err)
	}

	now := time.Now
	if a.now != nil {
		now = a.now
	}
	return writeReceipt(ctx, req, Receipt{
		Destination: name,
		Location:    key,
		Bytes:       sum.n,
		SHA256:      sum.sum(),
		UploadedAt:  now().UTC(),
	})
}
