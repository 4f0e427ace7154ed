package tilegate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileStoreLocalHit(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`{"version": 8}`)
	if err := os.WriteFile(filepath.Join(dir, "style.json"), data, 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	store := NewFileStore(discardLogger(), dir, nil, nil)
	got, err := store.Get(context.Background(), "style.json")
	assert.Nil(t, err)
	assert.Equal(t, data, got)
	assert.True(t, store.Has("style.json"))
	assert.False(t, store.Has("missing.json"))
}

func TestFileStoreMissWithoutForward(t *testing.T) {
	store := NewFileStore(discardLogger(), t.TempDir(), nil, nil)
	_, err := store.Get(context.Background(), "sprite.png")
	assert.ErrorIs(t, err, ErrFileNotExist)
}

func TestFileStoreRejectsEscapingNames(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(discardLogger(), dir, nil, nil)
	for _, name := range []string{"", ".", "..", "a/b.json", `a\b.json`} {
		_, err := store.Get(context.Background(), name)
		assert.ErrorIs(t, err, ErrFileNotExist, "name %q", name)
	}
}

func TestFileStoreForwardWriteThrough(t *testing.T) {
	data := []byte(`{"icon": {"x": 0}}`)
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/sprites/basic/sprite@2x.json", req.URL.Path)
		w.Write(data)
	}))
	defer upstream.Close()

	dir := t.TempDir()
	forward := &Forward{SourceURL: upstream.URL + "/sprites/basic/{name}", StoreCache: true}
	store := NewFileStore(discardLogger(), dir, forward, NewFetcher(discardLogger(), nil))

	got, err := store.Get(context.Background(), "sprite@2x.json")
	assert.Nil(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int32(1), hits.Load())

	store.WaitWrites()
	cached, err := os.ReadFile(filepath.Join(dir, "sprite@2x.json"))
	assert.Nil(t, err)
	assert.Equal(t, data, cached)

	// second request is served from disk
	_, err = store.Get(context.Background(), "sprite@2x.json")
	assert.Nil(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFileStoreForwardNoStore(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		w.Write([]byte("payload"))
	}))
	defer upstream.Close()

	dir := t.TempDir()
	forward := &Forward{SourceURL: upstream.URL + "/{name}", StoreCache: false}
	store := NewFileStore(discardLogger(), dir, forward, NewFetcher(discardLogger(), nil))

	_, err := store.Get(context.Background(), "layer.geojson")
	assert.Nil(t, err)
	store.WaitWrites()
	_, err = os.Stat(filepath.Join(dir, "layer.geojson"))
	assert.True(t, os.IsNotExist(err))

	_, err = store.Get(context.Background(), "layer.geojson")
	assert.Nil(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFileStoreUpstreamMissing(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	forward := &Forward{SourceURL: upstream.URL + "/{name}", StoreCache: true}
	store := NewFileStore(discardLogger(), t.TempDir(), forward, NewFetcher(discardLogger(), nil))
	_, err := store.Get(context.Background(), "sprite.png")
	assert.ErrorIs(t, err, ErrFileNotExist)
}

func TestFileStoreRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "style.json")
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	store := NewFileStore(discardLogger(), dir, nil, nil)
	assert.Nil(t, store.Remove("style.json"))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// removing a missing file is not an error
	assert.Nil(t, store.Remove("style.json"))
}

func TestSpriteName(t *testing.T) {
	assert.Equal(t, "sprite.json", SpriteName(0, "json"))
	assert.Equal(t, "sprite.png", SpriteName(1, "png"))
	assert.Equal(t, "sprite@2x.png", SpriteName(2, "png"))
	assert.Equal(t, "sprite@3x.json", SpriteName(3, "json"))
}
