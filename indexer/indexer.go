package indexer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quarry-ai/quarry/cache"
	"github.com/quarry-ai/quarry/config"
	"github.com/quarry-ai/quarry/embedder"
	"github.com/quarry-ai/quarry/observability"
	"github.com/quarry-ai/quarry/vector"
)

// ErrAlreadyIndexing is returned when a run is requested for a project that
// is already being indexed.
var ErrAlreadyIndexing = errors.New("indexing already in progress for project")

// Run states. Terminal states persist for observation until the next run
// overwrites them.
const (
	StatusIdle      = "idle"
	StatusIndexing  = "indexing"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Progress is an observable snapshot of an index run.
type Progress struct {
	Status         string    `json:"status"`
	TotalFiles     int       `json:"totalFiles"`
	ProcessedFiles int       `json:"processedFiles"`
	TotalChunks    int       `json:"totalChunks"`
	DeletedFiles   int       `json:"deletedFiles"`
	StartedAt      time.Time `json:"startedAt"`
	CompletedAt    time.Time `json:"completedAt,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// FileHashEntry records one indexed file in the persisted hash index.
type FileHashEntry struct {
	Hash       string    `json:"hash"`
	IndexedAt  time.Time `json:"indexedAt"`
	ChunkCount int       `json:"chunkCount"`
}

// FileHashIndex maps relative file path → hash entry. Persisted in the cache
// under file_index:<project> with no TTL; written only by the indexer.
type FileHashIndex map[string]FileHashEntry

// RunRequest describes one index run.
type RunRequest struct {
	Project string
	Path    string

	// Force clears the collection and hash index before walking.
	Force bool
}

// Indexer maintains the per-project codebase collections incrementally.
// One run per project at a time; concurrent requests fail fast.
type Indexer struct {
	provider vector.Provider
	embedder *embedder.Service
	cache    *cache.Service
	cfg      config.IndexerConfig

	mu       sync.Mutex
	active   map[string]bool
	progress map[string]*Progress
}

// New creates an indexer.
func New(provider vector.Provider, emb *embedder.Service, c *cache.Service, cfg config.IndexerConfig) *Indexer {
	return &Indexer{
		provider: provider,
		embedder: emb,
		cache:    c,
		cfg:      cfg,
		active:   make(map[string]bool),
		progress: make(map[string]*Progress),
	}
}

// Progress returns the latest run snapshot for a project.
func (ix *Indexer) Progress(project string) Progress {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if p, ok := ix.progress[project]; ok {
		return *p
	}
	return Progress{Status: StatusIdle}
}

func (ix *Indexer) setProgress(project string, update func(*Progress)) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	p, ok := ix.progress[project]
	if !ok {
		p = &Progress{}
		ix.progress[project] = p
	}
	update(p)
}

// Run indexes the project tree rooted at req.Path into the project's
// codebase collection. Runs are additive and hash-indexed, so partial
// failures are safe to re-run. Not cancellable mid-run.
func (ix *Indexer) Run(ctx context.Context, req RunRequest) error {
	return ix.RunInto(ctx, req, vector.CollectionName(req.Project, vector.SuffixCodebase))
}

// RunInto indexes into an explicit collection, used by zero-downtime reindex
// to build a fresh collection behind an alias.
func (ix *Indexer) RunInto(ctx context.Context, req RunRequest, collection string) error {
	if err := ix.begin(req.Project); err != nil {
		return err
	}
	return ix.finish(ctx, req, collection)
}

// RunAsync acquires the project's run slot synchronously, so concurrent
// requests still fail fast, then indexes in the background. The run is not
// tied to the caller's context because indexing is not cancellable mid-run.
// The returned channel delivers the run's outcome once.
func (ix *Indexer) RunAsync(req RunRequest, collection string) (<-chan error, error) {
	if err := ix.begin(req.Project); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		err := ix.finish(context.Background(), req, collection)
		if err != nil {
			slog.Error("Background index run failed", "project", req.Project, "error", err)
		}
		done <- err
	}()
	return done, nil
}

func (ix *Indexer) begin(project string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.active[project] {
		return ErrAlreadyIndexing
	}
	ix.active[project] = true
	ix.progress[project] = &Progress{Status: StatusIndexing, StartedAt: time.Now()}
	return nil
}

func (ix *Indexer) finish(ctx context.Context, req RunRequest, collection string) error {
	defer func() {
		ix.mu.Lock()
		delete(ix.active, req.Project)
		ix.mu.Unlock()
	}()

	err := ix.run(ctx, req, collection)
	if err != nil {
		ix.setProgress(req.Project, func(p *Progress) {
			p.Status = StatusError
			p.Error = err.Error()
			p.CompletedAt = time.Now()
		})
		observability.IndexRuns.WithLabelValues(StatusError).Inc()
		return err
	}

	ix.setProgress(req.Project, func(p *Progress) {
		p.Status = StatusCompleted
		p.CompletedAt = time.Now()
	})
	observability.IndexRuns.WithLabelValues(StatusCompleted).Inc()
	return nil
}

func (ix *Indexer) run(ctx context.Context, req RunRequest, collection string) error {
	filter, err := NewPatternFilter(req.Path, ix.cfg.IncludePatterns, ix.cfg.ExcludePatterns)
	if err != nil {
		return err
	}

	hashIndex := FileHashIndex{}
	if req.Force {
		// The hash index goes first: once the collection is dropped, a
		// surviving index would make the next incremental run skip every
		// unchanged file and leave the collection empty.
		if err := ix.cache.Delete(ctx, cache.FileIndexKey(req.Project)); err != nil {
			return fmt.Errorf("failed to clear file hash index for force run: %w", err)
		}
		if err := ix.provider.DeleteCollection(ctx, collection); err != nil {
			return fmt.Errorf("failed to clear collection for force run: %w", err)
		}
	} else {
		if _, err := ix.cache.GetJSON(ctx, cache.FileIndexKey(req.Project), &hashIndex); err != nil {
			slog.Warn("Failed to load file hash index, reindexing from scratch",
				"project", req.Project, "error", err)
			hashIndex = FileHashIndex{}
		}
	}

	if err := ix.provider.Ensure(ctx, collection); err != nil {
		return err
	}

	files, err := ix.walk(req.Path, filter)
	if err != nil {
		return err
	}
	ix.setProgress(req.Project, func(p *Progress) { p.TotalFiles = len(files) })

	// Reconcile deletions: files present in the index but gone from disk.
	onDisk := make(map[string]bool, len(files))
	for _, f := range files {
		onDisk[f] = true
	}
	deleted := 0
	for rel := range hashIndex {
		if !onDisk[rel] {
			if err := ix.provider.DeleteByFilter(ctx, collection, vector.Filter{"file": rel}); err != nil {
				return fmt.Errorf("failed to delete chunks of removed file %s: %w", rel, err)
			}
			delete(hashIndex, rel)
			deleted++
		}
	}
	ix.setProgress(req.Project, func(p *Progress) { p.DeletedFiles = deleted })

	// Select files that need (re)indexing by content hash.
	var pending []string
	hashes := make(map[string]string, len(files))
	for _, rel := range files {
		content, err := os.ReadFile(filepath.Join(req.Path, rel))
		if err != nil {
			slog.Warn("Skipping unreadable file", "file", rel, "error", err)
			continue
		}
		sum := md5.Sum(content)
		hash := hex.EncodeToString(sum[:])
		hashes[rel] = hash
		if entry, ok := hashIndex[rel]; !ok || entry.Hash != hash {
			pending = append(pending, rel)
		}
	}

	fileBatch := ix.cfg.FileBatchSize
	if fileBatch <= 0 {
		fileBatch = 20
	}
	for start := 0; start < len(pending); start += fileBatch {
		end := start + fileBatch
		if end > len(pending) {
			end = len(pending)
		}
		if err := ix.processBatch(ctx, req, collection, pending[start:end], hashIndex, hashes); err != nil {
			return err
		}
	}

	// The final hash-index write must be the last operation of a successful
	// run.
	if err := ix.cache.SetJSON(ctx, cache.FileIndexKey(req.Project), hashIndex, 0); err != nil {
		return fmt.Errorf("failed to persist file hash index: %w", err)
	}
	if err := ix.cache.InvalidateSearch(ctx, collection); err != nil {
		slog.Warn("Failed to invalidate search cache after indexing",
			"collection", collection, "error", err)
	}

	slog.Info("Indexing completed",
		"project", req.Project,
		"collection", collection,
		"files", len(files),
		"reindexed", len(pending),
		"deleted", deleted)
	return nil
}

// processBatch chunks and embeds one batch of files and upserts the result.
func (ix *Indexer) processBatch(ctx context.Context, req RunRequest, collection string, files []string, hashIndex FileHashIndex, hashes map[string]string) error {
	type pendingChunk struct {
		file  string
		chunk Chunk
	}
	var chunks []pendingChunk

	for _, rel := range files {
		content, err := os.ReadFile(filepath.Join(req.Path, rel))
		if err != nil {
			slog.Warn("Skipping unreadable file", "file", rel, "error", err)
			continue
		}

		// Drop any chunks already stored for the file. This never keys off
		// the hash index: after a partially failed run the index may not
		// know about chunks that made it into the collection.
		if err := ix.provider.DeleteByFilter(ctx, collection, vector.Filter{"file": rel}); err != nil {
			return fmt.Errorf("failed to delete stale chunks of %s: %w", rel, err)
		}

		fileChunks := ChunkLines(string(content), ix.cfg.ChunkSize)
		for _, c := range fileChunks {
			chunks = append(chunks, pendingChunk{file: rel, chunk: c})
		}
		hashIndex[rel] = FileHashEntry{
			Hash:       hashes[rel],
			IndexedAt:  time.Now(),
			ChunkCount: len(fileChunks),
		}
	}

	embedBatch := ix.cfg.EmbedBatchSize
	if embedBatch <= 0 {
		embedBatch = 100
	}
	now := time.Now().UTC().Format(time.RFC3339)

	for start := 0; start < len(chunks); start += embedBatch {
		end := start + embedBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, pc := range batch {
			texts[i] = pc.chunk.Content
		}
		vectors, err := ix.embedder.EmbedBatch(ctx, texts, embedder.Options{})
		if err != nil {
			return fmt.Errorf("failed to embed chunk batch: %w", err)
		}

		points := make([]vector.Point, len(batch))
		for i, pc := range batch {
			points[i] = vector.Point{
				Vector: vectors[i],
				Payload: map[string]any{
					"file":        pc.file,
					"content":     pc.chunk.Content,
					"language":    DetectLanguage(pc.file),
					"chunkIndex":  pc.chunk.Index,
					"totalChunks": pc.chunk.Total,
					"project":     req.Project,
					"indexedAt":   now,
					"fileHash":    hashes[pc.file],
				},
			}
		}
		if err := ix.provider.Upsert(ctx, collection, points); err != nil {
			return err
		}
		observability.IndexedChunks.Add(float64(len(points)))
		ix.setProgress(req.Project, func(p *Progress) { p.TotalChunks += len(points) })
	}

	ix.setProgress(req.Project, func(p *Progress) { p.ProcessedFiles += len(files) })
	return nil
}

// walk collects relative paths of indexable files under root.
func (ix *Indexer) walk(root string, filter *PatternFilter) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if filter.ShouldExclude(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if filter.ShouldExclude(path) || !filter.ShouldInclude(path) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk project tree: %w", err)
	}
	return files, nil
}
