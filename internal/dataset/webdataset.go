package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Sample is one paired record from a shard: every role maps to an
// encoded image payload. Translation pairs use roles "a" (target) and
// "b" (reference); semantic datasets add "inst" and "id" maps.
type Sample struct {
	Key   string
	Parts map[string][]byte
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// splitEntry decomposes "000123.a.png" into key "000123" and role "a".
// Entries without a role default to role "a".
func splitEntry(name string) (key, role string, ok bool) {
	base := filepath.Base(name)
	ext := strings.ToLower(filepath.Ext(base))
	if !imageExts[ext] {
		return "", "", false
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if dot := strings.LastIndex(stem, "."); dot >= 0 {
		return stem[:dot], stem[dot+1:], true
	}
	return stem, "a", true
}

// StreamShard streams samples carrying all requested roles from the
// shard at path. Entries accumulate in a bounded pending map until a
// key has every role.
func StreamShard(ctx context.Context, path string, roles []string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- errors.Wrap(err, "open shard")
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]map[string][]byte)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- errors.Wrap(err, "read tar")
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			key, role, ok := splitEntry(hdr.Name)
			if !ok || !containsRole(roles, role) {
				continue
			}

			data, err := io.ReadAll(tr)
			if err != nil {
				errCh <- errors.Wrapf(err, "read %s", hdr.Name)
				return
			}
			parts := pending[key]
			if parts == nil {
				parts = make(map[string][]byte, len(roles))
				pending[key] = parts
			}
			parts[role] = data

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if len(parts) == len(roles) {
				sample := Sample{Key: key, Parts: parts}
				delete(pending, key)
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- errors.Errorf("%d samples incomplete", len(pending))
		}
	}()

	return out, errCh
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
