package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	httptrace "github.com/DataDog/dd-trace-go/contrib/net/http/v2"
	"github.com/DataDog/dd-trace-go/v2/ddtrace/tracer"
	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/rs/cors"
	"github.com/tilegate/go-tilegate/tilegate"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// staleLockAge is the cutoff for the startup lock sweep. A lock this old can
// only be the leftover of a crashed writer.
const staleLockAge = time.Hour

var cli struct {
	DataDir         string `env:"DATA_DIR" default:"data" help:"Directory holding config.json and the tile data."`
	PostgresBaseURI string `env:"POSTGRESQL_BASE_URI" help:"Base URI that pg entries without a full URI are joined onto."`

	Serve struct {
		Port         int           `default:"8080"`
		Cors         string        `help:"Comma-separated allowed CORS origins; * allows any."`
		PublicURL    string        `help:"Public base URL of the tile endpoint e.g. https://tiles.example.com"`
		SeedInterval time.Duration `help:"Run the configured seed entries on this interval; 0 disables."`
		Tracing      bool          `help:"Enable Datadog APM tracing."`
		ServiceName  string        `env:"SERVICE_NAME" default:"tilegate" help:"Service name reported to tracing."`
	} `cmd:"" help:"Run the HTTP tile server over the configured sources."`

	Export struct {
		ID               string `arg:"" help:"Source id to read from."`
		Output           string `arg:"" help:"Target mbtiles path, xyz directory or pg database name." type:"path"`
		Kind             string `default:"mbtiles" help:"Target kind: mbtiles, xyz or pg."`
		Bbox             string `help:"Coverage area of interest: min_lon,min_lat,max_lon,max_lat. Defaults to the world."`
		Minzoom          uint8  `default:"0" help:"Minimum zoom level, inclusive."`
		Maxzoom          uint8  `required:"" help:"Maximum zoom level, inclusive."`
		Concurrency      int    `default:"4" help:"Number of export workers."`
		StoreTransparent bool   `help:"Keep fully transparent raster tiles instead of skipping them."`
		Refresh          string `help:"Policy for tiles already in the target: all, md5, a number of days or a date."`
		Name             string `help:"Value of the name metadata row written to the target."`
	} `cmd:"" help:"Materialize a coverage of one source into another storage."`

	Seed struct {
		IDs []string `arg:"" optional:"" help:"Seed entries to run; all configured entries when empty."`
	} `cmd:"" help:"Run the configured seed entries."`

	Cleanup struct {
		IDs []string `arg:"" optional:"" help:"Cleanup entries to run; all configured entries when empty."`
	} `cmd:"" help:"Run the configured cleanup entries."`

	Show struct {
		ID string `arg:"" help:"Source id."`
	} `cmd:"" help:"Print the TileJSON and storage numbers of a source."`

	Tile struct {
		ID string `arg:""`
		Z  uint8  `arg:""`
		X  uint32 `arg:""`
		Y  uint32 `arg:""`
	} `cmd:"" help:"Fetch one tile through the cache/forward path and output on stdout."`

	Md5 struct {
		ID string `arg:"" help:"Source id."`
	} `cmd:"" name:"md5" help:"Compute and store the missing tile checksums of a source."`

	Compact struct {
		ID string `arg:"" help:"Source id backed by an mbtiles file."`
	} `cmd:"" help:"Reclaim the free space of an mbtiles backing file."`

	Version struct {
	} `cmd:"" help:"Show the program version."`
}

// openRegistry loads the config document and opens every configured source.
// The stale-lock sweep runs first so a crashed writer cannot wedge this run.
func openRegistry(ctx context.Context, logger *log.Logger) (*tilegate.Registry, *tilegate.Resolver) {
	dir := tilegate.NewDataDir(cli.DataDir)
	if removed, err := tilegate.RemoveStaleLocks(logger, dir.Root, staleLockAge); err != nil {
		logger.Printf("lock sweep incomplete: %v", err)
	} else if removed > 0 {
		logger.Printf("removed %d stale locks", removed)
	}
	cfg, err := tilegate.LoadConfig(dir.ConfigPath())
	if err != nil {
		logger.Fatalf("Failed to load config, %v", err)
	}
	fetcher := tilegate.NewFetcher(logger, nil)
	registry := tilegate.NewRegistry(ctx, logger, dir, cfg, fetcher, cli.PostgresBaseURI)
	return registry, tilegate.NewResolver(logger, fetcher)
}

func parseBBox(value string) (tilegate.BBox, error) {
	if value == "" {
		return tilegate.WorldBBox, nil
	}
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return tilegate.BBox{}, fmt.Errorf("bbox must be min_lon,min_lat,max_lon,max_lat")
	}
	var bbox tilegate.BBox
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return tilegate.BBox{}, fmt.Errorf("bad bbox component %q: %w", part, err)
		}
		bbox[i] = v
	}
	return bbox, nil
}

// refreshValue maps the CLI flag onto the config refreshBefore value space.
func refreshValue(s string) any {
	switch strings.ToLower(s) {
	case "", "all":
		return nil
	case "md5":
		return true
	}
	if days, err := strconv.Atoi(s); err == nil {
		return days
	}
	return s
}

func runServe(ctx context.Context, logger *log.Logger) {
	tilegate.SetProgressWriter(tilegate.NewLogProgressWriter(logger, 10000))
	registry, resolver := openRegistry(ctx, logger)
	server := tilegate.NewServer(logger, registry, resolver, cli.Serve.PublicURL)
	server.SetBuildInfo(version, commit)

	var handler http.Handler = server
	if cli.Serve.Cors != "" {
		handler = cors.New(cors.Options{
			AllowedOrigins: strings.Split(cli.Serve.Cors, ","),
			AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost},
		}).Handler(handler)
	}
	if cli.Serve.Tracing {
		if err := tracer.Start(tracer.WithService(cli.Serve.ServiceName)); err != nil {
			logger.Fatalf("Failed to start tracer, %v", err)
		}
		defer tracer.Stop()
		handler = httptrace.WrapHandler(handler, cli.Serve.ServiceName, "http.request")
	}

	if cli.Serve.SeedInterval > 0 {
		seeder := tilegate.NewSeeder(logger, registry, resolver)
		go func() {
			ticker := time.NewTicker(cli.Serve.SeedInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := seeder.RunSeeds(ctx); err != nil {
						logger.Printf("scheduled seed run: %v", err)
					}
				}
			}
		}()
	}

	httpServer := &http.Server{Addr: ":" + strconv.Itoa(cli.Serve.Port), Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}()

	logger.Printf("serving %d sources on port %d", len(registry.DataIDs()), cli.Serve.Port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("Failed to serve, %v", err)
	}
	resolver.WaitWrites()
	if err := registry.Close(); err != nil {
		logger.Printf("failed to close registry: %v", err)
	}
}

func runExport(ctx context.Context, logger *log.Logger) {
	registry, resolver := openRegistry(ctx, logger)
	defer registry.Close()

	src, err := registry.Data(cli.Export.ID)
	if err != nil {
		logger.Fatalf("Failed to export, %v", err)
	}
	kind, err := tilegate.ParseSourceKind(cli.Export.Kind)
	if err != nil {
		logger.Fatalf("Failed to export, %v", err)
	}
	path := cli.Export.Output
	if kind == tilegate.SourcePostgres && !strings.Contains(path, "://") {
		if cli.PostgresBaseURI == "" {
			logger.Fatalf("Failed to resolve pg target %s, POSTGRESQL_BASE_URI is not set", path)
		}
		path = strings.TrimRight(cli.PostgresBaseURI, "/") + "/" + path
	}
	bbox, err := parseBBox(cli.Export.Bbox)
	if err != nil {
		logger.Fatalf("Failed to export, %v", err)
	}
	policy, err := tilegate.ParseRefreshPolicy(refreshValue(cli.Export.Refresh))
	if err != nil {
		logger.Fatalf("Failed to export, %v", err)
	}
	var metadata map[string]any
	if cli.Export.Name != "" {
		metadata = map[string]any{"name": cli.Export.Name}
	}
	spec := tilegate.ExportSpec{
		ID:               cli.Export.ID,
		Kind:             kind,
		Path:             path,
		Metadata:         metadata,
		Coverages:        tilegate.CoveragesFromBBox(bbox, cli.Export.Minzoom, cli.Export.Maxzoom),
		Concurrency:      cli.Export.Concurrency,
		StoreTransparent: cli.Export.StoreTransparent,
		Refresh:          policy,
	}
	if err := src.Export.Start(); err != nil {
		logger.Fatalf("Failed to export, %v", err)
	}
	defer src.Export.Finish()
	if err := tilegate.Export(ctx, logger, resolver, src, spec, &src.Export); err != nil {
		logger.Fatalf("Failed to export, %v", err)
	}
}

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "--help")
	}

	logger := log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile)
	kctx := kong.Parse(&cli)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch kctx.Command() {
	case "serve":
		runServe(ctx, logger)
	case "export <id> <output>":
		runExport(ctx, logger)
	case "seed", "seed <ids>":
		registry, resolver := openRegistry(ctx, logger)
		defer registry.Close()
		seeder := tilegate.NewSeeder(logger, registry, resolver)
		if err := seeder.RunSeeds(ctx, cli.Seed.IDs...); err != nil {
			logger.Fatalf("Failed to seed, %v", err)
		}
	case "cleanup", "cleanup <ids>":
		registry, resolver := openRegistry(ctx, logger)
		defer registry.Close()
		seeder := tilegate.NewSeeder(logger, registry, resolver)
		if err := seeder.RunCleanups(ctx, cli.Cleanup.IDs...); err != nil {
			logger.Fatalf("Failed to clean up, %v", err)
		}
	case "show <id>":
		registry, _ := openRegistry(ctx, logger)
		defer registry.Close()
		src, err := registry.Data(cli.Show.ID)
		if err != nil {
			logger.Fatalf("Failed to show source, %v", err)
		}
		doc, err := json.MarshalIndent(src.TileJSON, "", "  ")
		if err != nil {
			logger.Fatalf("Failed to show source, %v", err)
		}
		fmt.Println(string(doc))
		count, err := src.Storage.CountTiles(ctx)
		if err != nil {
			logger.Fatalf("Failed to count tiles, %v", err)
		}
		size, err := src.Storage.Size(ctx)
		if err != nil {
			logger.Fatalf("Failed to measure storage, %v", err)
		}
		fmt.Printf("tiles: %d\nstorage: %s\n", count, humanize.Bytes(uint64(size)))
	case "tile <id> <z> <x> <y>":
		registry, resolver := openRegistry(ctx, logger)
		defer registry.Close()
		src, err := registry.Data(cli.Tile.ID)
		if err != nil {
			logger.Fatalf("Failed to fetch tile, %v", err)
		}
		resp, err := resolver.ResolveTileNoStore(ctx, src, cli.Tile.Z, cli.Tile.X, cli.Tile.Y)
		if err != nil {
			logger.Fatalf("Failed to fetch tile, %v", err)
		}
		os.Stdout.Write(resp.Data)
	case "md5 <id>":
		registry, _ := openRegistry(ctx, logger)
		defer registry.Close()
		src, err := registry.Data(cli.Md5.ID)
		if err != nil {
			logger.Fatalf("Failed to calculate checksums, %v", err)
		}
		if err := src.Storage.CalculateExtraInfo(ctx); err != nil {
			logger.Fatalf("Failed to calculate checksums, %v", err)
		}
	case "compact <id>":
		registry, _ := openRegistry(ctx, logger)
		defer registry.Close()
		src, err := registry.Data(cli.Compact.ID)
		if err != nil {
			logger.Fatalf("Failed to compact, %v", err)
		}
		mb, ok := src.Storage.(*tilegate.MBTiles)
		if !ok {
			logger.Fatalf("Failed to compact %s, not backed by an mbtiles file", cli.Compact.ID)
		}
		if err := mb.Compact(ctx); err != nil {
			logger.Fatalf("Failed to compact, %v", err)
		}
	case "version":
		fmt.Printf("tilegate %s, commit %s, built at %s\n", version, commit, date)
	default:
		panic(kctx.Command())
	}
}
