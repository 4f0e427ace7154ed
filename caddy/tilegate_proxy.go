package caddy

import (
	"fmt"
	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/tilegate/go-tilegate/tilegate"
	"go.uber.org/zap"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"io"
	"log"
	"net/http"
	"time"
)

func init() {
	caddy.RegisterModule(Middleware{})
	httpcaddyfile.RegisterHandlerDirective("tilegate_proxy", parseCaddyfile)
}

// Middleware serves the tilegate routes from inside a Caddy site: tiles with
// cache/forward, TileJSON, fonts, sprites, styles and geojson files, all read
// from the configured data directory.
type Middleware struct {
	DataDir         string `json:"data_dir"`
	PostgresBaseURI string `json:"postgres_base_uri"`
	PublicURL       string `json:"public_url"`
	logger          *zap.Logger
	registry        *tilegate.Registry
	resolver        *tilegate.Resolver
	server          *tilegate.Server
}

// CaddyModule returns the Caddy module information.
func (Middleware) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.tilegate_proxy",
		New: func() caddy.Module { return new(Middleware) },
	}
}

func (m *Middleware) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()
	logger := log.New(io.Discard, "", log.Ldate)
	tilegate.SetProgressWriter(nil)
	dir := tilegate.NewDataDir(m.DataDir)
	cfg, err := tilegate.LoadConfig(dir.ConfigPath())
	if err != nil {
		return err
	}
	fetcher := tilegate.NewFetcher(logger, nil)
	m.registry = tilegate.NewRegistry(ctx, logger, dir, cfg, fetcher, m.PostgresBaseURI)
	m.resolver = tilegate.NewResolver(logger, fetcher)
	m.server = tilegate.NewServer(logger, m.registry, m.resolver, m.PublicURL)
	return nil
}

func (m *Middleware) Validate() error {
	if m.DataDir == "" {
		return fmt.Errorf("no data_dir")
	}
	return nil
}

func (m *Middleware) Cleanup() error {
	m.resolver.WaitWrites()
	return m.registry.Close()
}

func (m Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	start := time.Now()
	recorder := caddyhttp.NewResponseRecorder(w, nil, nil)
	m.server.ServeHTTP(recorder, r)
	m.logger.Info("response",
		zap.Int("status", recorder.Status()),
		zap.String("path", r.URL.Path),
		zap.Duration("duration", time.Since(start)))

	return next.ServeHTTP(w, r)
}

func (m *Middleware) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for nesting := d.Nesting(); d.NextBlock(nesting); {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&m.DataDir) {
					return d.ArgErr()
				}
			case "postgres_base_uri":
				if !d.Args(&m.PostgresBaseURI) {
					return d.ArgErr()
				}
			case "public_url":
				if !d.Args(&m.PublicURL) {
					return d.ArgErr()
				}
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var m Middleware
	err := m.UnmarshalCaddyfile(h.Dispenser)
	return m, err
}

var (
	_ caddy.Provisioner           = (*Middleware)(nil)
	_ caddy.Validator             = (*Middleware)(nil)
	_ caddy.CleanerUpper          = (*Middleware)(nil)
	_ caddyhttp.MiddlewareHandler = (*Middleware)(nil)
	_ caddyfile.Unmarshaler       = (*Middleware)(nil)
)
