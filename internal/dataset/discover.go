package dataset

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pkg/errors"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// DiscoverShards returns absolute paths to shard TAR files beneath root.
func DiscoverShards(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "discover shards")
	}
	sort.Strings(entries)
	return entries, nil
}

// SliceForWorker deals shards round-robin to one member of a
// data-parallel group, so every rank reads a disjoint subset.
func SliceForWorker(shards []string, rank, size int) []string {
	if size <= 1 {
		return shards
	}
	var out []string
	for i := rank; i < len(shards); i += size {
		out = append(out, shards[i])
	}
	return out
}
