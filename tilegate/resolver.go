package tilegate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// defaultFetchTimeout bounds every upstream request.
const defaultFetchTimeout = 30 * time.Second

// writeThroughTimeout bounds the background cache write after a forward
// fetch. It is detached from the request context so a closed response does
// not abort the write.
const writeThroughTimeout = 30 * time.Second

// Forward holds the upstream settings of a cache-backed source: where to
// fetch on miss and whether to keep what came back.
type Forward struct {
	// SourceURL is a template with {z}/{x}/{y} for tiles, {name} for sprite
	// and style files, or {range} for glyph ranges. A template without
	// placeholders is used as-is.
	SourceURL string
	Headers   map[string]string
	// Scheme is the upstream's y-axis direction. The resolver always takes
	// XYZ coordinates and flips y here when the upstream speaks TMS.
	Scheme           Scheme
	StoreCache       bool
	StoreTransparent bool
	// MaxTry is the number of fetch attempts without backoff. Zero means one.
	MaxTry int
}

// expandURL substitutes {token} placeholders in a URL template.
func expandURL(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for token, value := range vars {
		pairs = append(pairs, "{"+token+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// TileURL renders the upstream URL for an XYZ coordinate.
func (f *Forward) TileURL(z uint8, x uint32, y uint32) string {
	if f.Scheme == SchemeTMS {
		y = FlipY(z, y)
	}
	return expandURL(f.SourceURL, map[string]string{
		"z": strconv.Itoa(int(z)),
		"x": strconv.FormatUint(uint64(x), 10),
		"y": strconv.FormatUint(uint64(y), 10),
	})
}

// FileURL renders the upstream URL for a named file such as sprite@2x.png
// or a glyph range.
func (f *Forward) FileURL(name string) string {
	return expandURL(f.SourceURL, map[string]string{
		"name":  name,
		"range": strings.TrimSuffix(name, ".pbf"),
	})
}

// Source is one registered tile set: an opened storage handle, its serving
// metadata, and the optional forward settings. Sources are built once by the
// registry and shared by reference afterwards.
type Source struct {
	ID       string
	Storage  TileStorage
	TileJSON *TileJSON
	Forward  *Forward

	// Path is the backing file or directory, served by download and md5.
	Path string

	// Export serializes export and seed runs against this source.
	Export CancelToken
}

// Fetcher retrieves upstream tiles and files over HTTP. Concurrent requests
// for the same URL are coalesced, so a popular missing tile costs one
// upstream roundtrip.
type Fetcher struct {
	logger *log.Logger
	client HTTPClient
	group  singleflight.Group
}

// NewFetcher builds a fetcher around client, defaulting to a plain client
// with the package fetch timeout.
func NewFetcher(logger *log.Logger, client HTTPClient) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &Fetcher{logger: logger, client: client}
}

// Fetch retrieves url with up to maxTry attempts and no backoff. Upstream
// 204 and 404 mean the resource legitimately does not exist and map to
// ErrTileNotExist without further attempts; other non-2xx codes surface as
// UpstreamError after the attempts are exhausted.
func (f *Fetcher) Fetch(ctx context.Context, url string, headers map[string]string, maxTry int) ([]byte, error) {
	ch := f.group.DoChan(url, func() (any, error) {
		return f.fetchWithRetry(url, headers, maxTry)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// fetchWithRetry runs outside any one caller's context: the roundtrip is
// shared between coalesced callers, so it is bounded by the client timeout
// instead.
func (f *Fetcher) fetchWithRetry(url string, headers map[string]string, maxTry int) ([]byte, error) {
	if maxTry < 1 {
		maxTry = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxTry; attempt++ {
		data, err := f.fetchOnce(url, headers)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, ErrTileNotExist) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (f *Fetcher) fetchOnce(url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		return nil, ErrTileNotExist
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &UpstreamError{StatusCode: resp.StatusCode, URL: url}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	return data, nil
}

// TileResponse carries tile bytes plus the sniffed serving headers. Data is
// the stored representation: raw vector tiles are gzipped by the server, not
// here, so exports copy bytes untouched.
type TileResponse struct {
	Data            []byte
	Format          TileFormat
	ContentType     string
	ContentEncoding string
}

// Resolver implements the cache-forward read path: storage first, upstream
// on miss, with a background write-through that never blocks the response.
type Resolver struct {
	logger  *log.Logger
	fetcher *Fetcher
	writes  sync.WaitGroup
}

func NewResolver(logger *log.Logger, fetcher *Fetcher) *Resolver {
	return &Resolver{logger: logger, fetcher: fetcher}
}

// ResolveTile returns the tile from the source's storage, forwarding to the
// upstream on miss when the source has one. Fetched bytes are returned
// immediately and written back to storage in the background per the source's
// store settings.
func (r *Resolver) ResolveTile(ctx context.Context, src *Source, z uint8, x uint32, y uint32) (TileResponse, error) {
	return r.resolveTile(ctx, src, z, x, y, true)
}

// ResolveTileNoStore is the exporter's variant: the caller persists the
// bytes itself, so the write-through stays off.
func (r *Resolver) ResolveTileNoStore(ctx context.Context, src *Source, z uint8, x uint32, y uint32) (TileResponse, error) {
	return r.resolveTile(ctx, src, z, x, y, false)
}

func (r *Resolver) resolveTile(ctx context.Context, src *Source, z uint8, x uint32, y uint32, writeThrough bool) (TileResponse, error) {
	data, err := src.Storage.GetTile(ctx, z, x, y)
	if err == nil {
		return r.buildResponse(src, data), nil
	}
	if !errors.Is(err, ErrTileNotExist) {
		return TileResponse{}, fmt.Errorf("failed to resolve %s of %s: %w", TileKey(z, x, y), src.ID, err)
	}
	if src.Forward == nil || src.Forward.SourceURL == "" {
		return TileResponse{}, err
	}

	url := src.Forward.TileURL(z, x, y)
	data, err = r.fetcher.Fetch(ctx, url, src.Forward.Headers, src.Forward.MaxTry)
	if err != nil {
		return TileResponse{}, err
	}
	if err := r.checkFormat(src, data); err != nil {
		return TileResponse{}, err
	}

	if writeThrough && src.Forward.StoreCache {
		r.scheduleWrite(src, z, x, y, data)
	}
	return r.buildResponse(src, data), nil
}

// checkFormat rejects fetched bytes that do not sniff as the source's
// declared format. gzipped and raw vector tiles both count as pbf.
func (r *Resolver) checkFormat(src *Source, data []byte) error {
	want := src.TileJSON.TileFormatParsed()
	got, _, err := DetectTileFormat(data)
	if err != nil {
		return &FormatMismatchError{Want: want.String(), Got: "unknown"}
	}
	if got != want {
		return &FormatMismatchError{Want: want.String(), Got: got.String()}
	}
	return nil
}

// scheduleWrite persists a fetched tile in the background. Failures are
// logged and never reach the caller; the response already left with the
// fetched bytes.
func (r *Resolver) scheduleWrite(src *Source, z uint8, x uint32, y uint32, data []byte) {
	r.writes.Add(1)
	go func() {
		defer r.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeThroughTimeout)
		defer cancel()
		if err := src.Storage.PutTile(ctx, z, x, y, data, src.Forward.StoreTransparent); err != nil {
			r.logger.Printf("write-through of %s to %s failed: %v", TileKey(z, x, y), src.ID, err)
		}
	}()
}

// WaitWrites blocks until scheduled write-throughs settle, used by graceful
// shutdown and tests. The request path never waits here.
func (r *Resolver) WaitWrites() {
	r.writes.Wait()
}

// buildResponse sniffs the bytes for serving headers, falling back to the
// source's declared format when the payload is not recognizable.
func (r *Resolver) buildResponse(src *Source, data []byte) TileResponse {
	format, encoding, err := DetectTileFormat(data)
	if err != nil {
		format = src.TileJSON.TileFormatParsed()
	}
	return TileResponse{
		Data:            data,
		Format:          format,
		ContentType:     format.ContentType(),
		ContentEncoding: encoding,
	}
}
