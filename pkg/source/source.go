package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/helmstead/helmstead/pkg/engine"
	"github.com/helmstead/helmstead/pkg/telemetry"
)

// Manifest is one YAML manifest file.
type Manifest struct {
	// Workloads lists the desired workload specs declared in this file.
	Workloads []engine.WorkloadSpec `yaml:"workloads"`
}

// GenerationStore persists the hash-to-generation records so generation
// assignment stays monotonic across controller restarts. The sqlite store
// implements it; a nil store keeps the records in memory only.
type GenerationStore interface {
	ListSourceGenerations(ctx context.Context) ([]engine.SourceGeneration, error)
	UpsertSourceGeneration(ctx context.Context, rec engine.SourceGeneration) error
}

// genRecord tracks a workload's last seen content hash and the generation
// assigned to it.
type genRecord struct {
	hash       string
	generation int64
}

// FileSource reads the desired workload set from a directory of YAML
// manifests. Generations are assigned per workload: a spec whose content
// hash changes gets the next generation; an unchanged spec keeps its
// current one. Generation state is loaded from the store on first use and
// written back on every change, so a manifest edited while the controller
// was down still gets a new generation.
type FileSource struct {
	dir      string
	store    GenerationStore
	validate *validator.Validate

	mu          sync.Mutex
	loaded      bool
	generations map[string]genRecord
	seq         int64

	watcher *fsnotify.Watcher
	bus     *telemetry.Bus
	logger  zerolog.Logger
}

// NewFileSource creates a file source for the given manifest directory.
// store may be nil, in which case generation records do not survive the
// process.
func NewFileSource(dir string, store GenerationStore, bus *telemetry.Bus, logger zerolog.Logger) *FileSource {
	return &FileSource{
		dir:         dir,
		store:       store,
		validate:    validator.New(),
		generations: make(map[string]genRecord),
		bus:         bus,
		logger:      logger.With().Str("component", "source").Logger(),
	}
}

// restore seeds the generation map from the store. The caller must hold
// s.mu. The revision counter resumes from the highest persisted
// generation so revisions keep moving forward after a restart.
func (s *FileSource) restore(ctx context.Context) error {
	if s.loaded || s.store == nil {
		s.loaded = true
		return nil
	}
	records, err := s.store.ListSourceGenerations(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore source generations: %w", err)
	}
	for _, rec := range records {
		s.generations[rec.Name] = genRecord{hash: rec.Hash, generation: rec.Generation}
		if rec.Generation > s.seq {
			s.seq = rec.Generation
		}
	}
	s.loaded = true
	return nil
}

// Latest loads the manifest directory and returns the current revision
// and the desired workload set, sorted by name.
func (s *FileSource) Latest(ctx context.Context) (string, []engine.WorkloadSpec, error) {
	files, err := s.manifestFiles()
	if err != nil {
		return "", nil, err
	}

	byName := make(map[string]engine.WorkloadSpec)
	fileOf := make(map[string]string)
	digest := sha256.New()

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
		}
		digest.Write(data)

		var manifest Manifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return "", nil, engine.NewValidationError(
				fmt.Sprintf("failed to parse manifest %s", path), err)
		}

		for _, spec := range manifest.Workloads {
			if err := s.validate.Struct(spec); err != nil {
				return "", nil, engine.NewValidationError(
					fmt.Sprintf("invalid workload %q in %s", spec.Name, path), err,
				).WithWorkload(spec.Name)
			}
			if prev, ok := fileOf[spec.Name]; ok {
				return "", nil, engine.NewValidationError(
					fmt.Sprintf("workload %q declared in both %s and %s", spec.Name, prev, path), nil,
				).WithWorkload(spec.Name)
			}
			byName[spec.Name] = spec
			fileOf[spec.Name] = path
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	s.mu.Lock()
	if err := s.restore(ctx); err != nil {
		s.mu.Unlock()
		return "", nil, err
	}
	changed := false
	var dirty []engine.SourceGeneration
	workloads := make([]engine.WorkloadSpec, 0, len(names))
	for _, name := range names {
		spec := byName[name]
		hash := specHash(spec)
		rec, ok := s.generations[name]
		if !ok || rec.hash != hash {
			rec = genRecord{hash: hash, generation: rec.generation + 1}
			s.generations[name] = rec
			changed = true
			dirty = append(dirty, engine.SourceGeneration{Name: name, Hash: hash, Generation: rec.generation})
		}
		spec.Generation = rec.generation
		workloads = append(workloads, spec)
	}
	if changed {
		s.seq++
	}
	revision := fmt.Sprintf("%s-%d", hex.EncodeToString(digest.Sum(nil))[:12], s.seq)
	s.mu.Unlock()

	if s.store != nil {
		for _, rec := range dirty {
			if err := s.store.UpsertSourceGeneration(ctx, rec); err != nil {
				return "", nil, fmt.Errorf("failed to persist generation for %s: %w", rec.Name, err)
			}
		}
	}

	if err := s.validateDependencies(workloads); err != nil {
		return "", nil, err
	}
	return revision, workloads, nil
}

// validateDependencies checks that every declared dependency names a
// workload in the set.
func (s *FileSource) validateDependencies(workloads []engine.WorkloadSpec) error {
	present := make(map[string]bool, len(workloads))
	for _, w := range workloads {
		present[w.Name] = true
	}
	for _, w := range workloads {
		for _, dep := range w.DependsOn {
			if !present[dep] {
				return engine.NewValidationError(
					fmt.Sprintf("workload %q depends on unknown workload %q", w.Name, dep), nil,
				).WithWorkload(w.Name)
			}
		}
	}
	return nil
}

// manifestFiles lists the directory's YAML files in lexical order so
// revision hashes are stable.
func (s *FileSource) manifestFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest directory %s: %w", s.dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, filepath.Join(s.dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Watch starts a filesystem watch on the manifest directory and invokes
// onChange, debounced, when manifests are written. It returns once the
// watch is established; events are processed in the background until the
// context is cancelled.
func (s *FileSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}
	s.watcher = watcher

	go s.processEvents(ctx, onChange)

	s.logger.Info().Str("dir", s.dir).Msg("Watching manifest directory")
	return nil
}

func (s *FileSource) processEvents(ctx context.Context, onChange func()) {
	var debounce *time.Timer
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = s.watcher.Close()
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
				continue
			}
			s.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Manifest changed")

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				s.bus.Publish(telemetry.Event{
					Type:    telemetry.EventTypeSourceUpdated,
					Message: "manifest directory changed",
				})
				onChange()
			})

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("Manifest watch error")
		}
	}
}

// specHash hashes the identity-relevant content of a spec. Generation is
// excluded: it is derived from the hash, not part of it.
func specHash(spec engine.WorkloadSpec) string {
	spec.Generation = 0
	data, err := yaml.Marshal(spec)
	if err != nil {
		// Marshalling a plain struct cannot fail in practice.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
