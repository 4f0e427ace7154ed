package tilegate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// defaultFileLockTimeout bounds sidecar lock acquisition for asset writes.
const defaultFileLockTimeout = 10 * time.Second

// FileStore serves named files from one directory: a sprite set, a style
// document, one GeoJSON group, or one font family. Misses forward to the
// store's upstream under the same cache contract tiles use, with the fetched
// bytes written back in the background.
type FileStore struct {
	logger  *log.Logger
	dir     string
	forward *Forward
	fetcher *Fetcher
	timeout time.Duration
	writes  sync.WaitGroup
}

// NewFileStore builds a store over dir. forward may be nil for purely local
// stores; fetcher may be nil only when forward is.
func NewFileStore(logger *log.Logger, dir string, forward *Forward, fetcher *Fetcher) *FileStore {
	return &FileStore{
		logger:  logger,
		dir:     dir,
		forward: forward,
		fetcher: fetcher,
		timeout: defaultFileLockTimeout,
	}
}

// Dir returns the directory the store reads from.
func (s *FileStore) Dir() string {
	return s.dir
}

// validFileName rejects anything that could escape the store directory.
// Names are always basenames like sprite@2x.png or 0-255.pbf.
func validFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// Get returns the named file. On a local miss the store fetches from its
// upstream, returns the bytes immediately and persists them under the
// sidecar lock without blocking the caller.
func (s *FileStore) Get(ctx context.Context, name string) ([]byte, error) {
	if !validFileName(name) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrFileNotExist, name)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if s.forward == nil || s.forward.SourceURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrFileNotExist, name)
	}

	url := s.forward.FileURL(name)
	data, err = s.fetcher.Fetch(ctx, url, s.forward.Headers, s.forward.MaxTry)
	if err != nil {
		if errors.Is(err, ErrTileNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotExist, name)
		}
		return nil, err
	}
	if s.forward.StoreCache {
		s.scheduleWrite(name, data)
	}
	return data, nil
}

// Has reports whether the file exists locally, without touching the upstream.
func (s *FileStore) Has(name string) bool {
	if !validFileName(name) {
		return false
	}
	_, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil
}

// Remove deletes the named file under the sidecar lock. Missing files are
// not an error, matching the tile backends.
func (s *FileStore) Remove(name string) error {
	if !validFileName(name) {
		return fmt.Errorf("%w: invalid name %q", ErrFileNotExist, name)
	}
	return RemoveFileWithLock(filepath.Join(s.dir, name), s.timeout)
}

func (s *FileStore) scheduleWrite(name string, data []byte) {
	s.writes.Add(1)
	go func() {
		defer s.writes.Done()
		path := filepath.Join(s.dir, name)
		if err := CreateFileWithLock(path, data, s.timeout); err != nil {
			s.logger.Printf("write-through of %s failed: %v", path, err)
		}
	}()
}

// WaitWrites blocks until scheduled write-throughs settle.
func (s *FileStore) WaitWrites() {
	s.writes.Wait()
}

// SpriteName renders the file name for a sprite request. scale 1 maps to the
// bare sprite.json / sprite.png pair, larger scales to sprite@2x and up.
func SpriteName(scale int, ext string) string {
	if scale <= 1 {
		return "sprite." + ext
	}
	return fmt.Sprintf("sprite@%dx.%s", scale, ext)
}
