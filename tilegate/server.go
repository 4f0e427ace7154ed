package tilegate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// maxBodyBytes caps POST bodies. Coverage lists for whole-planet runs stay
// well under this.
const maxBodyBytes = 8 * 1024 * 1024

var (
	tileRoutePattern      = regexp.MustCompile(`^/datas/([^/]+)/(\d+)/(\d+)/(\d+)\.([a-z0-9]+)$`)
	tileJSONRoutePattern  = regexp.MustCompile(`^/datas/([^/]+)\.json$`)
	md5RoutePattern       = regexp.MustCompile(`^/datas/([^/]+)/md5$`)
	downloadRoutePattern  = regexp.MustCompile(`^/datas/([^/]+)/download$`)
	extraInfoRoutePattern = regexp.MustCompile(`^/datas/([^/]+)/extra-info$`)
	exportRoutePattern    = regexp.MustCompile(`^/datas/([^/]+)/export$`)
	fontRoutePattern      = regexp.MustCompile(`^/fonts/([^/]+)/(\d+-\d+)\.pbf$`)
	spriteRoutePattern    = regexp.MustCompile(`^/sprites/([^/]+)/(sprite(?:@\d+x)?\.(?:json|png))$`)
	styleRoutePattern     = regexp.MustCompile(`^/styles/([^/]+)/style\.json$`)
	geojsonRoutePattern   = regexp.MustCompile(`^/geojsons/([^/]+)/([^/]+)\.geojson$`)
)

// Server answers the public routes over one registry. Get and Post return
// status, headers and body; ServeHTTP adapts them to net/http and handles
// the two streaming routes (download, metrics) directly.
type Server struct {
	logger         *log.Logger
	registry       *Registry
	resolver       *Resolver
	metrics        *serverMetrics
	metricsHandler http.Handler

	// publicURL overrides the host part of templated tile URLs, for
	// deployments behind a proxy that rewrites Host.
	publicURL string
}

func NewServer(logger *log.Logger, registry *Registry, resolver *Resolver, publicURL string) *Server {
	metrics := newServerMetrics(logger)
	return &Server{
		logger:         logger,
		registry:       registry,
		resolver:       resolver,
		metrics:        metrics,
		metricsHandler: metrics.handler(),
		publicURL:      strings.TrimSuffix(publicURL, "/"),
	}
}

// SetBuildInfo publishes version labels on the metrics endpoint.
func (s *Server) SetBuildInfo(version, commit string) {
	s.metrics.setBuildInfo(version, commit)
}

// Get serves the buffered GET routes. host carries the scheme://authority
// prefix templated into TileJSON tile URLs.
func (s *Server) Get(ctx context.Context, path string, query url.Values, host string) (int, map[string]string, []byte) {
	headers := make(map[string]string)

	if path == "/" {
		return http.StatusNoContent, headers, nil
	}
	if path == "/healthz" {
		headers["Content-Type"] = "text/plain"
		return http.StatusOK, headers, []byte("ok")
	}
	if res := tileRoutePattern.FindStringSubmatch(path); res != nil {
		z, x, y, err := parseTilePath(res[2], res[3], res[4])
		if err != nil {
			return http.StatusBadRequest, headers, []byte("Invalid tile coordinates")
		}
		return s.getTile(ctx, headers, res[1], z, x, y, res[5])
	}
	if res := tileJSONRoutePattern.FindStringSubmatch(path); res != nil {
		return s.getTileJSON(ctx, headers, res[1], host)
	}
	if res := md5RoutePattern.FindStringSubmatch(path); res != nil {
		return s.getMD5(ctx, headers, res[1])
	}
	if res := extraInfoRoutePattern.FindStringSubmatch(path); res != nil {
		return s.getExtraInfo(ctx, headers, res[1])
	}
	if res := exportRoutePattern.FindStringSubmatch(path); res != nil {
		return s.getExport(ctx, headers, res[1], query)
	}
	if res := fontRoutePattern.FindStringSubmatch(path); res != nil {
		return s.getFontRange(ctx, headers, res[1], res[2])
	}
	if res := spriteRoutePattern.FindStringSubmatch(path); res != nil {
		return s.getSprite(ctx, headers, res[1], res[2])
	}
	if res := styleRoutePattern.FindStringSubmatch(path); res != nil {
		return s.getStyle(ctx, headers, res[1])
	}
	if res := geojsonRoutePattern.FindStringSubmatch(path); res != nil {
		return s.getGeoJSON(ctx, headers, res[1], res[2])
	}
	return http.StatusNotFound, headers, []byte("Path not found")
}

// Post serves the buffered POST routes.
func (s *Server) Post(ctx context.Context, path string, query url.Values, body []byte) (int, map[string]string, []byte) {
	headers := make(map[string]string)
	if res := extraInfoRoutePattern.FindStringSubmatch(path); res != nil {
		return s.postExtraInfo(ctx, headers, res[1], query, body)
	}
	if res := exportRoutePattern.FindStringSubmatch(path); res != nil {
		return s.postExport(ctx, headers, res[1], body)
	}
	return http.StatusNotFound, headers, []byte("Path not found")
}

func parseTilePath(zStr, xStr, yStr string) (uint8, uint32, uint32, error) {
	z, err := strconv.ParseUint(zStr, 10, 8)
	if err != nil {
		return 0, 0, 0, err
	}
	x, err := strconv.ParseUint(xStr, 10, 32)
	if err != nil {
		return 0, 0, 0, err
	}
	y, err := strconv.ParseUint(yStr, 10, 32)
	if err != nil {
		return 0, 0, 0, err
	}
	return uint8(z), uint32(x), uint32(y), nil
}

func (s *Server) getTile(ctx context.Context, headers map[string]string, id string, z uint8, x uint32, y uint32, ext string) (int, map[string]string, []byte) {
	src, err := s.registry.Data(id)
	if err != nil {
		return http.StatusNotFound, headers, []byte("Tile source does not exist")
	}
	want := src.TileJSON.TileFormatParsed()
	got, err := ParseTileFormat(ext)
	if err != nil || got != want {
		return http.StatusBadRequest, headers, []byte(fmt.Sprintf("Path mismatch: source serves %s tiles", want))
	}
	resp, err := s.resolver.ResolveTile(ctx, src, z, x, y)
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusNoContent {
			return status, headers, nil
		}
		s.logger.Printf("failed to serve tile %s of %s: %v", TileKey(z, x, y), id, err)
		return status, headers, []byte(http.StatusText(status))
	}
	data := resp.Data
	encoding := resp.ContentEncoding
	// vector tiles are stored raw and compressed on the way out
	if resp.Format == FormatPBF && encoding == "" {
		if gzipped, err := GzipBytes(data); err == nil {
			data = gzipped
			encoding = "gzip"
		}
	}
	headers["Content-Type"] = resp.ContentType
	if encoding != "" {
		headers["Content-Encoding"] = encoding
	}
	return http.StatusOK, headers, data
}

func (s *Server) getTileJSON(ctx context.Context, headers map[string]string, id string, host string) (int, map[string]string, []byte) {
	src, err := s.registry.Data(id)
	if err != nil {
		return http.StatusNotFound, headers, []byte("Tile source does not exist")
	}
	template := fmt.Sprintf("%s/datas/%s/{z}/{x}/{y}.%s", host, id, src.TileJSON.TileFormatParsed())
	body, err := json.Marshal(src.TileJSON.WithTiles([]string{template}))
	if err != nil {
		s.logger.Printf("failed to encode tileJSON of %s: %v", id, err)
		return http.StatusInternalServerError, headers, []byte(http.StatusText(http.StatusInternalServerError))
	}
	headers["Content-Type"] = "application/json"
	return http.StatusOK, headers, body
}

// fileBacked reports whether a source's Path is a local archive the md5 and
// download routes may expose. pg URIs and remote pmtiles stay private.
func fileBacked(src *Source) bool {
	kind := src.Storage.Kind()
	if kind != SourceMBTiles && kind != SourcePMTiles {
		return false
	}
	return src.Path != "" && !strings.Contains(src.Path, "://")
}

func (s *Server) getMD5(ctx context.Context, headers map[string]string, id string) (int, map[string]string, []byte) {
	src, err := s.registry.Data(id)
	if err != nil {
		return http.StatusNotFound, headers, []byte("Tile source does not exist")
	}
	if !fileBacked(src) {
		return http.StatusBadRequest, headers, []byte("Source has no backing file")
	}
	sum, err := CalculateMD5OfFile(src.Path)
	if err != nil {
		s.logger.Printf("failed to hash %s: %v", id, err)
		return http.StatusInternalServerError, headers, []byte(http.StatusText(http.StatusInternalServerError))
	}
	headers["ETag"] = `"` + sum + `"`
	headers["Content-Type"] = "text/plain"
	return http.StatusOK, headers, []byte(sum)
}

// getExtraInfo recomputes missing per-tile integrity rows in the background
// and returns immediately.
func (s *Server) getExtraInfo(ctx context.Context, headers map[string]string, id string) (int, map[string]string, []byte) {
	src, err := s.registry.Data(id)
	if err != nil {
		return http.StatusNotFound, headers, []byte("Tile source does not exist")
	}
	go func() {
		if err := src.Storage.CalculateExtraInfo(context.Background()); err != nil {
			s.logger.Printf("failed to calculate extra-info of %s: %v", id, err)
		}
	}()
	headers["Content-Type"] = "application/json"
	return http.StatusOK, headers, []byte(`{"status":"started"}`)
}

func (s *Server) postExtraInfo(ctx context.Context, headers map[string]string, id string, query url.Values, body []byte) (int, map[string]string, []byte) {
	src, err := s.registry.Data(id)
	if err != nil {
		return http.StatusNotFound, headers, []byte("Tile source does not exist")
	}
	kind, err := ParseExtraInfoKind(query.Get("type"))
	if err != nil {
		return http.StatusBadRequest, headers, []byte(err.Error())
	}
	if len(body) > 1 && body[0] == 0x1f && body[1] == 0x8b {
		body, err = GunzipBytes(body)
		if err != nil {
			return http.StatusBadRequest, headers, []byte("Failed to decode request body")
		}
	}
	var coverages []Coverage
	if err := json.Unmarshal(body, &coverages); err != nil {
		return http.StatusBadRequest, headers, []byte("Request body must be a coverage list")
	}
	infos, err := src.Storage.GetExtraInfoForCoverages(ctx, coverages, kind)
	if err != nil {
		status := errorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Printf("failed to query extra-info of %s: %v", id, err)
			return status, headers, []byte(http.StatusText(status))
		}
		return status, headers, []byte(err.Error())
	}
	payload, err := json.Marshal(FlattenExtraInfo(infos, kind))
	if err != nil {
		s.logger.Printf("failed to encode extra-info of %s: %v", id, err)
		return http.StatusInternalServerError, headers, []byte(http.StatusText(http.StatusInternalServerError))
	}
	headers["Content-Type"] = "application/json"
	return http.StatusOK, headers, payload
}

// exportRequest is the POST body of the export route. Coverages and path are
// required; the rest defaults.
type exportRequest struct {
	Kind             string         `json:"kind,omitempty"`
	Path             string         `json:"path"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Coverages        []Coverage     `json:"coverages"`
	Concurrency      int            `json:"concurrency,omitempty"`
	StoreTransparent bool           `json:"storeTransparent,omitempty"`
	RefreshBefore    any            `json:"refreshBefore,omitempty"`
}

func (s *Server) postExport(ctx context.Context, headers map[string]string, id string, body []byte) (int, map[string]string, []byte) {
	src, err := s.registry.Data(id)
	if err != nil {
		return http.StatusNotFound, headers, []byte("Tile source does not exist")
	}
	var req exportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, headers, []byte("Invalid export request")
	}
	kind := SourceMBTiles
	if req.Kind != "" {
		kind, err = ParseSourceKind(req.Kind)
		if err != nil {
			return http.StatusBadRequest, headers, []byte(err.Error())
		}
	}
	if req.Path == "" {
		return http.StatusBadRequest, headers, []byte("Export path is required")
	}
	if len(req.Coverages) == 0 {
		return http.StatusBadRequest, headers, []byte("Export coverages are required")
	}
	refresh, err := ParseRefreshPolicy(req.RefreshBefore)
	if err != nil {
		return http.StatusBadRequest, headers, []byte(err.Error())
	}
	spec := ExportSpec{
		ID:               id,
		Kind:             kind,
		Path:             req.Path,
		Metadata:         req.Metadata,
		Coverages:        req.Coverages,
		Concurrency:      req.Concurrency,
		StoreTransparent: req.StoreTransparent,
		Refresh:          refresh,
	}
	if err := src.Export.Start(); err != nil {
		return http.StatusConflict, headers, []byte("Export is already running")
	}
	go func() {
		defer src.Export.Finish()
		if err := Export(context.Background(), s.logger, s.resolver, src, spec, &src.Export); err != nil {
			s.logger.Printf("export of %s failed: %v", id, err)
		}
	}()
	headers["Content-Type"] = "application/json"
	return http.StatusOK, headers, exportStatusBody(id, "running")
}

// getExport reports the export state of a source and, with cancel=true,
// requests a stop.
func (s *Server) getExport(ctx context.Context, headers map[string]string, id string, query url.Values) (int, map[string]string, []byte) {
	src, err := s.registry.Data(id)
	if err != nil {
		return http.StatusNotFound, headers, []byte("Tile source does not exist")
	}
	if query.Get("cancel") == "true" {
		src.Export.Cancel()
	}
	headers["Content-Type"] = "application/json"
	return http.StatusOK, headers, exportStatusBody(id, src.Export.String())
}

func exportStatusBody(id, status string) []byte {
	body, _ := json.Marshal(map[string]string{"id": id, "status": status})
	return body
}

func (s *Server) getFontRange(ctx context.Context, headers map[string]string, ids string, rangeName string) (int, map[string]string, []byte) {
	data, err := s.registry.Fonts().GetRange(ctx, ids, rangeName+".pbf")
	if err != nil {
		status := notFoundStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Printf("failed to serve font range %s of %s: %v", rangeName, ids, err)
		}
		return status, headers, []byte(http.StatusText(status))
	}
	headers["Content-Type"] = "application/x-protobuf"
	if len(data) > 1 && data[0] == 0x1f && data[1] == 0x8b {
		headers["Content-Encoding"] = "gzip"
	}
	return http.StatusOK, headers, data
}

func (s *Server) getSprite(ctx context.Context, headers map[string]string, id string, name string) (int, map[string]string, []byte) {
	store, err := s.registry.Sprite(id)
	if err != nil {
		return http.StatusNotFound, headers, []byte("Sprite does not exist")
	}
	data, err := store.Get(ctx, name)
	if err != nil {
		status := notFoundStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Printf("failed to serve sprite %s of %s: %v", name, id, err)
		}
		return status, headers, []byte(http.StatusText(status))
	}
	if strings.HasSuffix(name, ".json") {
		headers["Content-Type"] = "application/json"
	} else {
		headers["Content-Type"] = "image/png"
	}
	return http.StatusOK, headers, data
}

func (s *Server) getStyle(ctx context.Context, headers map[string]string, id string) (int, map[string]string, []byte) {
	store, err := s.registry.Style(id)
	if err != nil {
		return http.StatusNotFound, headers, []byte("Style does not exist")
	}
	data, err := store.Get(ctx, StyleFileName)
	if err != nil {
		status := notFoundStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Printf("failed to serve style %s: %v", id, err)
		}
		return status, headers, []byte(http.StatusText(status))
	}
	headers["Content-Type"] = "application/json"
	return http.StatusOK, headers, data
}

func (s *Server) getGeoJSON(ctx context.Context, headers map[string]string, group string, layer string) (int, map[string]string, []byte) {
	store, err := s.registry.GeoJSON(group, layer)
	if err != nil {
		return http.StatusNotFound, headers, []byte("GeoJSON layer does not exist")
	}
	data, err := store.Get(ctx, GeoJSONFileName(layer))
	if err != nil {
		status := notFoundStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Printf("failed to serve geojson %s/%s: %v", group, layer, err)
		}
		return status, headers, []byte(http.StatusText(status))
	}
	headers["Content-Type"] = "application/json"
	return http.StatusOK, headers, data
}

// serveDownload streams the backing archive straight from disk, skipping the
// buffered route path.
func (s *Server) serveDownload(w http.ResponseWriter, r *http.Request, id string, tracker *requestTracker) {
	src, err := s.registry.Data(id)
	if err != nil {
		http.Error(w, "Tile source does not exist", http.StatusNotFound)
		tracker.finish(id, "download", http.StatusNotFound, 0)
		return
	}
	if !fileBacked(src) {
		http.Error(w, "Source has no backing file", http.StatusBadRequest)
		tracker.finish(id, "download", http.StatusBadRequest, 0)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(src.Path)))
	http.ServeFile(w, r, src.Path)
	tracker.finish(id, "download", http.StatusOK, 0)
}

// routeLabels maps a request path to the source and handler labels of the
// request metrics.
func routeLabels(path string) (string, string) {
	switch {
	case path == "/healthz":
		return "", "healthz"
	case path == "/metrics":
		return "", "metrics"
	case path == "/":
		return "", "root"
	}
	for _, route := range []struct {
		pattern *regexp.Regexp
		handler string
	}{
		{tileRoutePattern, "tile"},
		{tileJSONRoutePattern, "tilejson"},
		{md5RoutePattern, "md5"},
		{downloadRoutePattern, "download"},
		{extraInfoRoutePattern, "extra-info"},
		{exportRoutePattern, "export"},
		{fontRoutePattern, "font"},
		{spriteRoutePattern, "sprite"},
		{styleRoutePattern, "style"},
		{geojsonRoutePattern, "geojson"},
	} {
		if res := route.pattern.FindStringSubmatch(path); res != nil {
			return res[1], route.handler
		}
	}
	return "", "other"
}

// requestHost renders the scheme://authority prefix of templated URLs from
// the incoming request, unless a public URL is configured.
func (s *Server) requestHost(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tracker := s.metrics.startRequest()
	path := r.URL.Path

	if path == "/metrics" && r.Method == http.MethodGet {
		s.metricsHandler.ServeHTTP(w, r)
		tracker.finish("", "metrics", http.StatusOK, 0)
		return
	}
	if res := downloadRoutePattern.FindStringSubmatch(path); res != nil && r.Method == http.MethodGet {
		s.serveDownload(w, r, res[1], tracker)
		return
	}

	var status int
	var headers map[string]string
	var body []byte
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		status, headers, body = s.Get(r.Context(), path, r.URL.Query(), s.requestHost(r))
	case http.MethodPost:
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			status, body = http.StatusBadRequest, []byte("Failed to read request body")
		} else {
			status, headers, body = s.Post(r.Context(), path, r.URL.Query(), payload)
		}
	default:
		status, body = http.StatusMethodNotAllowed, []byte(http.StatusText(http.StatusMethodNotAllowed))
	}

	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead && len(body) > 0 {
		w.Write(body)
	}
	source, handler := routeLabels(path)
	tracker.finish(source, handler, status, len(body))
}
