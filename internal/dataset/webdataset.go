package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"plant-detector/internal/logging"
)

// Record represents a paired image and class label from a WebDataset shard.
type Record struct {
	Key   string
	Image []byte
	Label int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// ReadShard calls fn for every complete image/label pair in the shard at path,
// in the order the pair completes. Entries with other extensions are ignored.
func ReadShard(ctx context.Context, path string, pendingCap int, fn func(Record) error) error {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	pending := make(map[string]*partial)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(hdr.Name)
		ext := strings.ToLower(filepath.Ext(name))
		key := strings.TrimSuffix(name, filepath.Ext(name))

		switch ext {
		case ".jpg", ".jpeg", ".png":
			data, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("read image %s: %w", name, err)
			}
			pendingFor(pending, key).image = data
		case ".cls":
			payload, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("read label %s: %w", name, err)
			}
			label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
			if err != nil {
				return fmt.Errorf("parse label %s: %w", name, err)
			}
			pendingFor(pending, key).label = &label
		default:
			continue
		}

		if len(pending) > pendingCap {
			return ErrPendingOverflow
		}

		if part := pending[key]; part.ready() {
			delete(pending, key)
			if err := fn(Record{Key: key, Image: part.image, Label: *part.label}); err != nil {
				return err
			}
		}
	}

	if len(pending) > 0 {
		return fmt.Errorf("%d samples incomplete", len(pending))
	}
	return nil
}

// LoadShards reads every shard into memory, decoding images to shape.
// Undecodable images are skipped; a label of 0 is the negative class and any
// other value is positive.
func LoadShards(ctx context.Context, paths []string, shape []int, pendingCap int) (*InMemory, error) {
	var samples []Sample
	skipped := 0
	for _, path := range paths {
		err := ReadShard(ctx, path, pendingCap, func(rec Record) error {
			input, err := DecodeImage(rec.Image, shape)
			if err != nil {
				skipped++
				return nil
			}
			label := 0.0
			if rec.Label != 0 {
				label = 1
			}
			samples = append(samples, Sample{Key: rec.Key, Input: input, Label: label})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("shard %s: %w", path, err)
		}
	}
	if skipped > 0 {
		logging.Logf("shards=%d skipped_images=%d", len(paths), skipped)
	}
	if len(samples) == 0 {
		return nil, errors.New("webdataset: no decodable samples")
	}
	return NewInMemory(shape, samples), nil
}

type partial struct {
	image []byte
	label *int
}

func pendingFor(pending map[string]*partial, key string) *partial {
	part := pending[key]
	if part == nil {
		part = &partial{}
		pending[key] = part
	}
	return part
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && p.label != nil
}
