package artifacts

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"enrichment-orchestrator/internal/models"
)

// ErrTooLarge is returned when an artifact exceeds the configured size cap.
var ErrTooLarge = errors.New("artifact too large")

// CSVSource reads BOM line items from `component_ref,part_number[,label]`
// artifacts. A header row starting with component_ref is skipped.
type CSVSource struct {
	store    Store
	maxBytes int64
}

// NewCSVSource reads from store. Artifacts larger than maxBytes fail with
// ErrTooLarge; zero disables the cap.
func NewCSVSource(store Store, maxBytes int64) *CSVSource {
	return &CSVSource{store: store, maxBytes: maxBytes}
}

func (c *CSVSource) open(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := c.store.Open(ctx, key)
	if err != nil || c.maxBytes <= 0 {
		return rc, err
	}
	return &cappedReader{ReadCloser: rc, left: c.maxBytes, key: key}, nil
}

type cappedReader struct {
	io.ReadCloser
	left int64
	key  string
}

func (r *cappedReader) Read(p []byte) (int, error) {
	if r.left <= 0 {
		// One more byte means the artifact is over the cap.
		var peek [1]byte
		if n, _ := r.ReadCloser.Read(peek[:]); n > 0 {
			return 0, fmt.Errorf("artifact %s: %w", r.key, ErrTooLarge)
		}
		return 0, io.EOF
	}
	if int64(len(p)) > r.left {
		p = p[:r.left]
	}
	n, err := r.ReadCloser.Read(p)
	r.left -= int64(n)
	return n, err
}

// Items yields the job's items starting at offset, in file order.
func (c *CSVSource) Items(ctx context.Context, job models.Job, offset int) iter.Seq2[models.Item, error] {
	return func(yield func(models.Item, error) bool) {
		rc, err := c.open(ctx, job.ArtifactKey)
		if err != nil {
			yield(models.Item{}, err)
			return
		}
		defer rc.Close()

		index := 0
		for item, err := range readItems(rc) {
			if err != nil {
				yield(models.Item{}, err)
				return
			}
			if index >= offset {
				if !yield(item, nil) {
					return
				}
			}
			index++
		}
	}
}

// Count returns the number of items in the artifact.
func (c *CSVSource) Count(ctx context.Context, key string) (int, error) {
	rc, err := c.open(ctx, key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	n := 0
	for _, err := range readItems(rc) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

func readItems(r io.Reader) iter.Seq2[models.Item, error] {
	return func(yield func(models.Item, error) bool) {
		reader := csv.NewReader(r)
		reader.FieldsPerRecord = -1
		reader.TrimLeadingSpace = true
		line := 0
		for {
			rec, err := reader.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			line++
			if err != nil {
				yield(models.Item{}, fmt.Errorf("parse bom line %d: %w", line, err))
				return
			}
			if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "component_ref") {
				continue
			}
			if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
				continue
			}
			item := models.Item{ComponentRef: strings.TrimSpace(rec[0])}
			if len(rec) > 1 {
				item.PartNumber = strings.TrimSpace(rec[1])
			}
			if len(rec) > 2 {
				item.Label = strings.TrimSpace(rec[2])
			}
			if item.ComponentRef == "" {
				yield(models.Item{}, fmt.Errorf("parse bom line %d: %w: empty component_ref", line, models.ErrInvalidJob))
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}
