package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestSamplerDeterministicStream(t *testing.T) {
	temp := t.TempDir()
	shards := []string{
		filepath.Join(temp, "shard-000000.tar"),
		filepath.Join(temp, "shard-000001.tar"),
		filepath.Join(temp, "shard-000002.tar"),
	}
	mustShard(t, shards[0], []string{"a0"})
	mustShard(t, shards[1], []string{"b0", "b1"})
	mustShard(t, shards[2], []string{"c0"})

	opts := SamplerOptions{
		Shards:     shards,
		Roles:      []string{"a", "b"},
		Seed:       123,
		NumWorkers: 2,
	}

	run1 := collectSamples(t, opts, 6)
	run2 := collectSamples(t, opts, 6)

	if !reflect.DeepEqual(run1, run2) {
		t.Fatalf("sampler order not deterministic: %v vs %v", run1, run2)
	}
}

func TestSamplerIsEndless(t *testing.T) {
	temp := t.TempDir()
	shard := filepath.Join(temp, "shard-000000.tar")
	mustShard(t, shard, []string{"a0"})

	opts := SamplerOptions{
		Shards: []string{shard},
		Roles:  []string{"a", "b"},
		Seed:   7,
	}

	// Far more samples than the single shard holds.
	keys := collectSamples(t, opts, 5)
	for _, k := range keys {
		if k != "a0" {
			t.Fatalf("unexpected key %q", k)
		}
	}
}

func TestSamplerRejectsEmptyInput(t *testing.T) {
	if _, _, err := StartSampler(context.Background(), SamplerOptions{Roles: []string{"a"}}); err == nil {
		t.Fatal("expected error for empty shard list")
	}
	if _, _, err := StartSampler(context.Background(), SamplerOptions{Shards: []string{"x"}}); err == nil {
		t.Fatal("expected error for empty role list")
	}
}

func collectSamples(t *testing.T, opts SamplerOptions, count int) []string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stream, errCh, err := StartSampler(ctx, opts)
	if err != nil {
		t.Fatalf("StartSampler error: %v", err)
	}
	defer cancel()

	out := make([]string, 0, count)
	deadline := time.After(5 * time.Second)
	for len(out) < count {
		select {
		case sample, ok := <-stream:
			if !ok {
				t.Fatalf("stream closed early; collected %d samples", len(out))
			}
			out = append(out, sample.Key)
		case err := <-errCh:
			if err != nil {
				t.Fatalf("sampler reported error: %v", err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for samples")
		}
	}
	cancel()
	for err := range errCh {
		if err != nil {
			t.Fatalf("sampler emitted error after cancel: %v", err)
		}
	}
	return out
}

func mustShard(t *testing.T, path string, keys []string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, key := range keys {
		addTarEntry(tw, key+".a.png", []byte(key+"-target"))
		addTarEntry(tw, key+".b.png", []byte(key+"-ref"))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
}
