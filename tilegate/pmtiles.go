package tilegate

import (
	"compress/gzip"
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
)

const (
	// the first fetch grabs the header and usually the whole root directory
	archiveRootFetchLen = 16384
	// directory walks terminate after root plus three leaf hops
	archiveMaxDirDepth = 3
)

type dirCacheKey struct {
	etag   string
	offset uint64 // 0 for the header request
	length uint64 // 0 for the header request
}

type dirCacheValue struct {
	header    archiveHeader
	directory []archiveEntry
	etag      string
	ok        bool
	badEtag   bool
}

type dirRequest struct {
	key         dirCacheKey
	value       chan dirCacheValue
	purgeEtag   string
	compression archiveCompression
}

type dirResponse struct {
	key   dirCacheKey
	value dirCacheValue
	size  int
	ok    bool
}

// PMTiles reads tiles out of a single PMTiles archive on a local path, an
// HTTP server or blob storage. Archives are immutable, so every mutating
// operation fails with ErrReadOnlySource. Parsed directories are held in a
// small LRU keyed by the archive etag; when the archive is replaced
// remotely the stale entries are purged and the lookup retried once.
type PMTiles struct {
	logger    *log.Logger
	bucket    Bucket
	key       string
	cacheSize int
	reqs      chan dirRequest
	resps     chan dirResponse
	done      chan struct{}
}

var _ TileStorage = (*PMTiles)(nil)

// OpenPMTiles opens the archive at location, which may be a bare path, an
// http(s) URL or a gocloud bucket URL. cacheSizeBytes bounds the directory
// cache.
func OpenPMTiles(ctx context.Context, logger *log.Logger, location string, cacheSizeBytes int) (*PMTiles, error) {
	bucketURL, key, err := ResolveBucketKey("", "", location)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve archive location %s: %w", location, err)
	}
	bucket, err := OpenBucket(ctx, bucketURL, "")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive bucket: %w", err)
	}
	return openPMTilesBucket(ctx, logger, bucket, key, cacheSizeBytes)
}

func openPMTilesBucket(ctx context.Context, logger *log.Logger, bucket Bucket, key string, cacheSizeBytes int) (*PMTiles, error) {
	if cacheSizeBytes <= 0 {
		cacheSizeBytes = 64 * 1000 * 1000
	}
	p := &PMTiles{
		logger:    logger,
		bucket:    bucket,
		key:       key,
		cacheSize: cacheSizeBytes,
		reqs:      make(chan dirRequest, 8),
		resps:     make(chan dirResponse, 8),
		done:      make(chan struct{}),
	}
	go p.runDirCache()

	value := p.request(dirCacheKey{}, "", archiveCompressionGzip)
	if !value.ok {
		p.Close()
		return nil, fmt.Errorf("failed to read archive %s: %w", key, ErrSourceNotExist)
	}
	return p, nil
}

func (p *PMTiles) Kind() SourceKind {
	return SourcePMTiles
}

func (p *PMTiles) Close() error {
	close(p.done)
	return p.bucket.Close()
}

// runDirCache owns the directory cache. Requests coalesce on the cache key,
// so concurrent lookups of the same directory trigger one bucket read.
func (p *PMTiles) runDirCache() {
	cache := make(map[dirCacheKey]*list.Element)
	inflight := make(map[dirCacheKey][]dirRequest)
	evictList := list.New()
	totalSize := 0

	for {
		select {
		case <-p.done:
			return
		case req := <-p.reqs:
			if req.purgeEtag != "" {
				if _, dup := inflight[req.key]; !dup {
					p.logger.Printf("re-fetching directories for changed archive %s", p.key)
				}
				for k, v := range cache {
					resp := v.Value.(*dirResponse)
					if k.etag == req.purgeEtag || resp.value.etag == req.purgeEtag {
						evictList.Remove(v)
						delete(cache, k)
						totalSize -= resp.size
					}
				}
			}
			key := req.key
			if val, ok := cache[key]; ok {
				evictList.MoveToFront(val)
				req.value <- val.Value.(*dirResponse).value
			} else if _, ok := inflight[key]; ok {
				inflight[key] = append(inflight[key], req)
			} else {
				inflight[key] = []dirRequest{req}
				go p.fetchDir(key, req.compression)
			}
		case resp := <-p.resps:
			for _, waiting := range inflight[resp.key] {
				waiting.value <- resp.value
			}
			delete(inflight, resp.key)

			if resp.ok {
				totalSize += resp.size
				stored := &resp
				cache[resp.key] = evictList.PushFront(stored)
				for totalSize >= p.cacheSize {
					back := evictList.Back()
					if back == nil {
						break
					}
					evictList.Remove(back)
					evicted := back.Value.(*dirResponse)
					delete(cache, evicted.key)
					totalSize -= evicted.size
				}
			}
		}
	}
}

func (p *PMTiles) respond(resp dirResponse) {
	select {
	case p.resps <- resp:
	case <-p.done:
	}
}

// fetchDir reads one directory (or the header region) from the bucket and
// reports the result back to the cache loop.
func (p *PMTiles) fetchDir(key dirCacheKey, compression archiveCompression) {
	var result dirCacheValue
	isRoot := key.offset == 0 && key.length == 0

	offset := int64(key.offset)
	length := int64(key.length)
	if isRoot {
		offset = 0
		length = archiveRootFetchLen
	}

	r, etag, _, err := p.bucket.NewRangeReaderEtag(context.Background(), p.key, offset, length, key.etag)
	if err != nil {
		result.badEtag = isArchiveChanged(err)
		p.respond(dirResponse{key: key, value: result})
		p.logger.Printf("failed to fetch %s %d-%d: %v", p.key, offset, length, err)
		return
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		p.respond(dirResponse{key: key, value: result})
		p.logger.Printf("failed to fetch %s %d-%d: %v", p.key, offset, length, err)
		return
	}

	if !isRoot {
		directory, err := parseDirectory(b, compression)
		if err != nil {
			p.respond(dirResponse{key: key, value: result})
			p.logger.Printf("failed to parse directory of %s: %v", p.key, err)
			return
		}
		result = dirCacheValue{directory: directory, etag: etag, ok: true}
		p.respond(dirResponse{key: key, value: result, size: 24 * len(directory), ok: true})
		return
	}

	header, err := parseArchiveHeader(b[:archiveHeaderLen])
	if err != nil {
		p.respond(dirResponse{key: key, value: result})
		p.logger.Printf("failed to parse header of %s: %v", p.key, err)
		return
	}
	if header.RootOffset+header.RootLength > uint64(len(b)) {
		p.respond(dirResponse{key: key, value: result})
		p.logger.Printf("root directory of %s does not fit the first fetch", p.key)
		return
	}

	rootEntries, err := parseDirectory(b[header.RootOffset:header.RootOffset+header.RootLength], header.InternalCompression)
	if err != nil {
		p.respond(dirResponse{key: key, value: result})
		p.logger.Printf("failed to parse root directory of %s: %v", p.key, err)
		return
	}

	// populate the root directory before the header so a follow-up walk
	// finds it already cached
	rootKey := dirCacheKey{etag: etag, offset: header.RootOffset, length: header.RootLength}
	p.respond(dirResponse{
		key:   rootKey,
		value: dirCacheValue{directory: rootEntries, etag: etag, ok: true},
		size:  24 * len(rootEntries),
		ok:    true,
	})
	result = dirCacheValue{header: header, etag: etag, ok: true}
	p.respond(dirResponse{key: key, value: result, size: archiveHeaderLen, ok: true})
}

func (p *PMTiles) request(key dirCacheKey, purgeEtag string, compression archiveCompression) dirCacheValue {
	req := dirRequest{key: key, value: make(chan dirCacheValue, 1), purgeEtag: purgeEtag, compression: compression}
	select {
	case p.reqs <- req:
	case <-p.done:
		return dirCacheValue{}
	}
	select {
	case v := <-req.value:
		return v
	case <-p.done:
		return dirCacheValue{}
	}
}

func isArchiveChanged(err error) bool {
	_, ok := err.(*ArchiveChangedError)
	return ok
}

// GetTile walks the directory tree to the entry covering the tile and range
// reads its bytes. A changed archive is retried once with purged caches.
func (p *PMTiles) GetTile(ctx context.Context, z uint8, x uint32, y uint32) ([]byte, error) {
	data, purgeEtag, err := p.getTileAttempt(ctx, z, x, y, "")
	if purgeEtag != "" {
		data, _, err = p.getTileAttempt(ctx, z, x, y, purgeEtag)
	}
	return data, err
}

func (p *PMTiles) getTileAttempt(ctx context.Context, z uint8, x uint32, y uint32, purgeEtag string) ([]byte, string, error) {
	root := p.request(dirCacheKey{}, purgeEtag, archiveCompressionGzip)
	if !root.ok {
		return nil, "", fmt.Errorf("failed to read archive %s: %w", p.key, ErrSourceNotExist)
	}
	header := root.header
	if z < header.MinZoom || z > header.MaxZoom {
		return nil, "", ErrTileNotExist
	}

	tileID := TileIDFromZXY(z, x, y)
	dirOffset, dirLen := header.RootOffset, header.RootLength

	for depth := 0; depth <= archiveMaxDirDepth; depth++ {
		dir := p.request(dirCacheKey{etag: root.etag, offset: dirOffset, length: dirLen}, "", header.InternalCompression)
		if dir.badEtag {
			return nil, root.etag, nil
		}
		if !dir.ok {
			return nil, "", fmt.Errorf("failed to read directory of archive %s", p.key)
		}
		entry, ok := lookupTileEntry(dir.directory, tileID)
		if !ok {
			break
		}
		if entry.RunLength == 0 {
			dirOffset = header.LeafDirectoryOffset + entry.Offset
			dirLen = uint64(entry.Length)
			continue
		}

		r, _, _, err := p.bucket.NewRangeReaderEtag(ctx, p.key, int64(header.TileDataOffset+entry.Offset), int64(entry.Length), root.etag)
		if isArchiveChanged(err) {
			return nil, root.etag, nil
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to fetch tile bytes: %w", err)
		}
		defer r.Close()
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read tile bytes: %w", err)
		}
		data, err := decodeArchiveTile(b, header.TileCompression)
		return data, "", err
	}
	return nil, "", ErrTileNotExist
}

func (p *PMTiles) PutTile(ctx context.Context, z uint8, x uint32, y uint32, data []byte, storeTransparent bool) error {
	return ErrReadOnlySource
}

func (p *PMTiles) RemoveTile(ctx context.Context, z uint8, x uint32, y uint32) error {
	return ErrReadOnlySource
}

func (p *PMTiles) metadataAttempt(ctx context.Context, purgeEtag string) (archiveHeader, []byte, string, error) {
	root := p.request(dirCacheKey{}, purgeEtag, archiveCompressionGzip)
	if !root.ok {
		return archiveHeader{}, nil, "", fmt.Errorf("failed to read archive %s: %w", p.key, ErrSourceNotExist)
	}
	header := root.header
	if header.MetadataLength == 0 {
		return header, []byte("{}"), "", nil
	}

	r, _, _, err := p.bucket.NewRangeReaderEtag(ctx, p.key, int64(header.MetadataOffset), int64(header.MetadataLength), root.etag)
	if isArchiveChanged(err) {
		return archiveHeader{}, nil, root.etag, nil
	}
	if err != nil {
		return archiveHeader{}, nil, "", fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer r.Close()

	var raw []byte
	switch header.InternalCompression {
	case archiveCompressionGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return archiveHeader{}, nil, "", fmt.Errorf("failed to open metadata: %w", err)
		}
		defer gz.Close()
		raw, err = io.ReadAll(gz)
		if err != nil {
			return archiveHeader{}, nil, "", fmt.Errorf("failed to read metadata: %w", err)
		}
	case archiveCompressionNone:
		raw, err = io.ReadAll(r)
		if err != nil {
			return archiveHeader{}, nil, "", fmt.Errorf("failed to read metadata: %w", err)
		}
	default:
		return archiveHeader{}, nil, "", fmt.Errorf("unsupported internal compression %d", header.InternalCompression)
	}
	return header, raw, "", nil
}

// GetMetadata builds a TileJSON from the fixed header fields plus the JSON
// metadata section of the archive.
func (p *PMTiles) GetMetadata(ctx context.Context) (*TileJSON, error) {
	header, raw, purgeEtag, err := p.metadataAttempt(ctx, "")
	if purgeEtag != "" {
		header, raw, _, err = p.metadataAttempt(ctx, purgeEtag)
	}
	if err != nil {
		return nil, err
	}

	var meta struct {
		Name         string        `json:"name"`
		Description  string        `json:"description"`
		Attribution  string        `json:"attribution"`
		Version      string        `json:"version"`
		Type         string        `json:"type"`
		VectorLayers []VectorLayer `json:"vector_layers"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse archive metadata: %w", err)
	}

	tj := &TileJSON{
		Name:         meta.Name,
		Description:  meta.Description,
		Attribution:  meta.Attribution,
		Version:      meta.Version,
		Type:         meta.Type,
		VectorLayers: meta.VectorLayers,
		Format:       tileFormatFromArchive(header.TileType).String(),
		Scheme:       SchemeXYZ.String(),
		MinZoom:      header.MinZoom,
		MaxZoom:      header.MaxZoom,
	}
	bounds := header.Bounds()
	tj.Bounds = &bounds
	center := header.Center()
	tj.Center = &center
	tj.ApplyDefaults()
	return tj, nil
}

func (p *PMTiles) UpdateMetadata(ctx context.Context, partial map[string]any) error {
	return ErrReadOnlySource
}

func (p *PMTiles) CountTiles(ctx context.Context) (int64, error) {
	root := p.request(dirCacheKey{}, "", archiveCompressionGzip)
	if !root.ok {
		return 0, fmt.Errorf("failed to read archive %s: %w", p.key, ErrSourceNotExist)
	}
	return int64(root.header.AddressedTilesCount), nil
}

func (p *PMTiles) Size(ctx context.Context) (int64, error) {
	root := p.request(dirCacheKey{}, "", archiveCompressionGzip)
	if !root.ok {
		return 0, fmt.Errorf("failed to read archive %s: %w", p.key, ErrSourceNotExist)
	}
	return int64(root.header.TileDataOffset + root.header.TileDataLength), nil
}

// GetExtraInfoForCoverages hashes tile contents on the fly. Archives store
// no write timestamps, so the created variant always comes back empty.
func (p *PMTiles) GetExtraInfoForCoverages(ctx context.Context, coverages []Coverage, kind ExtraInfoKind) (map[string]ExtraInfo, error) {
	result := make(map[string]ExtraInfo)
	if kind == ExtraInfoCreated {
		return result, nil
	}
	bounds, err := GetTileBounds(coverages, SchemeXYZ)
	if err != nil {
		return nil, err
	}
	for _, b := range bounds.Bounds {
		for x := b.XMin; x <= b.XMax; x++ {
			for y := b.YMin; y <= b.YMax; y++ {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				data, err := p.GetTile(ctx, b.Zoom, x, y)
				if errors.Is(err, ErrTileNotExist) {
					continue
				}
				if err != nil {
					return nil, err
				}
				result[TileKey(b.Zoom, x, y)] = ExtraInfo{Hash: CalculateMD5(data)}
			}
		}
	}
	return result, nil
}

func (p *PMTiles) CalculateExtraInfo(ctx context.Context) error {
	return ErrReadOnlySource
}

func (p *PMTiles) AddOverviews(ctx context.Context, concurrency int, tileSize int) error {
	return ErrReadOnlySource
}
