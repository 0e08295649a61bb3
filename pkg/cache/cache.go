// Package cache implements the content-keyed dependency cache. Entries are
// tar.gz snapshots of a container directory, stored on disk under their key.
// There is no eviction; retention is whoever owns the cache directory.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eroell/pertci/pkg/utils"
)

var ErrMiss = errors.New("cache: no entry for key")

const entrySuffix = ".tar.gz"

type DiskCache struct {
	dir string
}

func NewDiskCache(dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("unable to create cache directory %s: %v", dir, err)
	}
	return &DiskCache{dir: dir}, nil
}

// Save snapshots src under key, replacing any previous entry for the same
// key. The snapshot is written to a temp file first so a concurrent Restore
// never sees a partial entry.
func (c *DiskCache) Save(key, src string) error {
	if err := validKey(key); err != nil {
		return err
	}

	f, err := os.CreateTemp(c.dir, "save-*"+entrySuffix)
	if err != nil {
		return fmt.Errorf("unable to create cache temp file: %v", err)
	}
	f.Close()

	if err := utils.Compress(src, f.Name()); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("unable to snapshot %s for cache key %s: %v", src, key, err)
	}
	return os.Rename(f.Name(), filepath.Join(c.dir, key+entrySuffix))
}

// Restore extracts the entry for key into dst. On an exact miss the restore
// keys are tried in order as prefixes, newest matching entry first. The
// returned string is the key that actually hit; ErrMiss when nothing did.
func (c *DiskCache) Restore(key string, restoreKeys []string, dst string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}

	exact := filepath.Join(c.dir, key+entrySuffix)
	if _, err := os.Stat(exact); err == nil {
		return key, c.extract(exact, dst)
	}

	for _, prefix := range restoreKeys {
		hit, ok, err := c.newestWithPrefix(strings.TrimSpace(prefix))
		if err != nil {
			return "", err
		}
		if ok {
			return strings.TrimSuffix(filepath.Base(hit), entrySuffix), c.extract(hit, dst)
		}
	}
	return "", ErrMiss
}

func (c *DiskCache) newestWithPrefix(prefix string) (string, bool, error) {
	if prefix == "" {
		return "", false, nil
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return "", false, fmt.Errorf("unable to list cache directory %s: %v", c.dir, err)
	}

	var newest string
	var newestTime time.Time
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest = filepath.Join(c.dir, name)
			newestTime = info.ModTime()
		}
	}
	return newest, newest != "", nil
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("invalid cache key %q", key)
	}
	return nil
}

func (c *DiskCache) extract(entry, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("unable to create cache restore directory %s: %v", dst, err)
	}
	return utils.Decompress(entry, dst)
}
