package tilegate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
)

// Seeder drives the configured seed and cleanup entries. One run at a time
// per process: a second RunSeeds or RunCleanups while the first one is live
// fails with ErrExportRunning. Cancellation is cooperative and also stops
// the export currently in flight.
type Seeder struct {
	logger   *log.Logger
	registry *Registry
	resolver *Resolver
	token    CancelToken
}

func NewSeeder(logger *log.Logger, registry *Registry, resolver *Resolver) *Seeder {
	return &Seeder{logger: logger, registry: registry, resolver: resolver}
}

// Cancel requests a cooperative stop of the current run.
func (s *Seeder) Cancel() bool {
	return s.token.Cancel()
}

// Running reports whether a seed or cleanup run is in progress.
func (s *Seeder) Running() bool {
	return s.token.Running()
}

// RunSeeds executes the named seed entries, or every configured one when
// names is empty. Entries are run one after another; a failing entry is
// logged and does not stop the rest.
func (s *Seeder) RunSeeds(ctx context.Context, names ...string) error {
	if err := s.token.Start(); err != nil {
		return err
	}
	defer s.token.Finish()

	ids := names
	if len(ids) == 0 {
		ids = s.registry.SeedIDs()
	}
	var failed int
	for _, id := range ids {
		if s.token.Cancelled() {
			s.logger.Printf("seed run cancelled before %s", id)
			break
		}
		if err := s.runSeed(ctx, id); err != nil {
			s.logger.Printf("seed %s failed: %v", id, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d seeds failed", failed, len(ids))
	}
	return nil
}

// runSeed exports a source into its own storage, pulling misses through the
// forward upstream. A seed id with no data entry names an asset instead and
// downloads its files.
func (s *Seeder) runSeed(ctx context.Context, id string) error {
	seed, ok := s.registry.Seed(id)
	if !ok {
		return fmt.Errorf("no seed entry for %s", id)
	}
	src, err := s.registry.Data(id)
	if errors.Is(err, ErrSourceNotExist) {
		return s.seedFiles(ctx, id, seed)
	}
	if err != nil {
		return err
	}
	spec, err := seedExportSpec(id, src, seed)
	if err != nil {
		return err
	}
	if err := src.Export.Start(); err != nil {
		return fmt.Errorf("source %s: %w", id, err)
	}
	defer src.Export.Finish()
	return Export(ctx, s.logger, s.resolver, src, spec, &s.token)
}

// seedFiles pulls the files behind an asset id through their forward
// upstream so later requests are served from disk. Variants the upstream
// does not carry are skipped.
func (s *Seeder) seedFiles(ctx context.Context, id string, seed SeedConfig) error {
	files := s.registry.assetFiles(id)
	if len(files) == 0 {
		return fmt.Errorf("%w: %s", ErrSourceNotExist, id)
	}
	bar := getProgressWriter().NewCountProgress(int64(len(files)), "seeding "+id)
	defer bar.Close()

	batch := NewBatch(s.logger, seed.Concurrency, uint64(len(files)), &s.token)
	for _, file := range files {
		ok := batch.Go(file.name, func() error {
			defer bar.Add(1)
			if _, err := file.store.Get(ctx, file.name); err != nil && !errors.Is(err, ErrFileNotExist) {
				return fmt.Errorf("failed to fetch %s: %w", file.name, err)
			}
			return nil
		})
		if !ok {
			s.logger.Printf("seed %s cancelled", id)
			break
		}
	}
	complete, failed := batch.Wait()

	waited := make(map[*FileStore]struct{})
	for _, file := range files {
		if _, ok := waited[file.store]; ok {
			continue
		}
		waited[file.store] = struct{}{}
		file.store.WaitWrites()
	}
	s.logger.Printf("seed %s finished: %d/%d files, %d failed", id, complete, len(files), failed)
	return batchError(failed, complete)
}

// seedExportSpec targets the source's own storage, so Export reuses the open
// handle instead of opening the backing a second time.
func seedExportSpec(id string, src *Source, seed SeedConfig) (ExportSpec, error) {
	policy, err := ParseRefreshPolicy(seed.RefreshBefore)
	if err != nil {
		return ExportSpec{}, err
	}
	return ExportSpec{
		ID:               id,
		Kind:             src.Storage.Kind(),
		Path:             src.Path,
		Metadata:         seed.Metadata,
		Coverages:        seed.Coverages,
		Concurrency:      seed.Concurrency,
		StoreTransparent: seed.StoreTransparent,
		Refresh:          policy,
	}, nil
}

// RunCleanups executes the named cleanup entries, or every configured one
// when names is empty.
func (s *Seeder) RunCleanups(ctx context.Context, names ...string) error {
	if err := s.token.Start(); err != nil {
		return err
	}
	defer s.token.Finish()

	ids := names
	if len(ids) == 0 {
		ids = s.registry.CleanupIDs()
	}
	var failed int
	for _, id := range ids {
		if s.token.Cancelled() {
			s.logger.Printf("cleanup run cancelled before %s", id)
			break
		}
		if err := s.runCleanup(ctx, id); err != nil {
			s.logger.Printf("cleanup %s failed: %v", id, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d cleanups failed", failed, len(ids))
	}
	return nil
}

// runCleanup prunes a source's storage. A cleanup id with no data entry
// names an asset and removes its cached files instead.
func (s *Seeder) runCleanup(ctx context.Context, id string) error {
	cleanup, ok := s.registry.Cleanup(id)
	if !ok {
		return fmt.Errorf("no cleanup entry for %s", id)
	}
	src, err := s.registry.Data(id)
	if errors.Is(err, ErrSourceNotExist) {
		return s.cleanupFiles(id, cleanup)
	}
	if err != nil {
		return err
	}
	before, err := ParseCleanupBefore(cleanup.CleanBefore)
	if err != nil {
		return err
	}
	if err := src.Export.Start(); err != nil {
		return fmt.Errorf("source %s: %w", id, err)
	}
	defer src.Export.Finish()
	return Cleanup(ctx, s.logger, src, CleanupSpec{
		ID:          id,
		Coverages:   cleanup.Coverages,
		Before:      before,
		Concurrency: cleanup.Concurrency,
	}, &s.token)
}

// cleanupFiles removes the cached files behind an asset id. With a cutoff,
// only files written before it go; without one, everything the id stands for.
func (s *Seeder) cleanupFiles(id string, cleanup CleanupConfig) error {
	files := s.registry.assetFiles(id)
	if len(files) == 0 {
		return fmt.Errorf("%w: %s", ErrSourceNotExist, id)
	}
	before, err := ParseCleanupBefore(cleanup.CleanBefore)
	if err != nil {
		return err
	}
	var removed, failed int
	for _, file := range files {
		if s.token.Cancelled() {
			s.logger.Printf("cleanup %s cancelled", id)
			break
		}
		info, err := os.Stat(filepath.Join(file.store.Dir(), file.name))
		if err != nil {
			continue
		}
		if before != 0 && info.ModTime().UnixMilli() >= before {
			continue
		}
		if err := file.store.Remove(file.name); err != nil {
			s.logger.Printf("cleanup %s: failed to remove %s: %v", id, file.name, err)
			failed++
			continue
		}
		removed++
	}
	s.logger.Printf("cleanup %s finished: %d files removed, %d failed", id, removed, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, removed+failed)
	}
	return nil
}

// CleanupSpec describes one pruning run over a source's storage.
type CleanupSpec struct {
	ID        string
	Coverages []Coverage
	// Before is a unix-ms cutoff; tiles created earlier are removed. Zero
	// removes every tile in the coverage.
	Before      int64
	Concurrency int
}

// ParseCleanupBefore interprets a cleanBefore configuration value into the
// unix-ms cutoff. It takes the same date strings and day counts as
// refreshBefore; the hash compare has no meaning here and is rejected.
func ParseCleanupBefore(value any) (int64, error) {
	policy, err := ParseRefreshPolicy(value)
	if err != nil {
		return 0, err
	}
	switch policy.Mode {
	case RefreshAll:
		return 0, nil
	case RefreshTimestamp:
		return policy.Threshold, nil
	}
	return 0, fmt.Errorf("unsupported cleanup threshold %v", value)
}

// Cleanup removes the tiles of a coverage created before the cutoff. The
// candidates come from the extra-info index, so tiles that were never
// materialized cost nothing.
func Cleanup(ctx context.Context, logger *log.Logger, src *Source, spec CleanupSpec, token *CancelToken) error {
	infos, err := src.Storage.GetExtraInfoForCoverages(ctx, spec.Coverages, ExtraInfoCreated)
	if err != nil {
		return fmt.Errorf("failed to query extra-info of %s: %w", spec.ID, err)
	}
	keys := make([]string, 0, len(infos))
	for key, info := range infos {
		if spec.Before == 0 || info.Created < spec.Before {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		logger.Printf("cleanup %s: nothing to remove", spec.ID)
		return nil
	}
	sort.Strings(keys)

	bar := getProgressWriter().NewCountProgress(int64(len(keys)), "cleaning "+spec.ID)
	defer bar.Close()

	batch := NewBatch(logger, spec.Concurrency, uint64(len(keys)), token)
	for _, key := range keys {
		z, x, y, err := parseTileKey(key)
		if err != nil {
			logger.Printf("cleanup %s: bad index key %s: %v", spec.ID, key, err)
			bar.Add(1)
			continue
		}
		ok := batch.Go(key, func() error {
			defer bar.Add(1)
			if err := src.Storage.RemoveTile(ctx, z, x, y); err != nil && !errors.Is(err, ErrTileNotExist) {
				return fmt.Errorf("failed to remove %s: %w", key, err)
			}
			return nil
		})
		if !ok {
			logger.Printf("cleanup %s cancelled", spec.ID)
			break
		}
	}
	complete, failed := batch.Wait()

	if xyz, ok := src.Storage.(*XYZ); ok {
		if err := xyz.PruneEmptyDirs(); err != nil {
			logger.Printf("failed to prune %s: %v", xyz.Root(), err)
		}
	}
	logger.Printf("cleanup %s finished: %d/%d tiles removed, %d failed", spec.ID, complete, len(keys), failed)
	return batchError(failed, complete)
}
