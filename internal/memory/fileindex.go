package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nidhogg/code-monkeys/internal/embedding"
)

// FileIndex keeps one JSON-lines file per run under dir and scores entries
// by cosine similarity in process. Entries are cached after first load.
type FileIndex struct {
	dir string

	mu    sync.Mutex
	cache map[string][]Record
}

// NewFileIndex creates an index rooted at dir (e.g. memory/short_term).
func NewFileIndex(dir string) (*FileIndex, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir %s: %w", dir, err)
	}
	return &FileIndex{dir: dir, cache: make(map[string][]Record)}, nil
}

func (f *FileIndex) path(runID string) string {
	return filepath.Join(f.dir, sanitizeRunID(runID)+".jsonl")
}

func (f *FileIndex) Add(_ context.Context, rec Record) error {
	if rec.RunID == "" {
		return ErrNoRun
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode index entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.loadLocked(rec.RunID); err != nil {
		return err
	}

	file, err := os.OpenFile(f.path(rec.RunID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		file.Close()
		return fmt.Errorf("append index entry: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close index file: %w", err)
	}
	f.cache[rec.RunID] = append(f.cache[rec.RunID], rec)
	return nil
}

func (f *FileIndex) Search(_ context.Context, runID string, vector []float32, limit int) ([]Record, error) {
	f.mu.Lock()
	entries, err := f.loadLocked(runID)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	hits := make([]Record, len(entries))
	for i, e := range entries {
		e.Score = embedding.Cosine(vector, e.Embedding)
		hits[i] = e
	}
	sortRecords(hits)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (f *FileIndex) Lookup(_ context.Context, runID, key string) ([]Record, error) {
	f.mu.Lock()
	entries, err := f.loadLocked(runID)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	// Entries are in append order, so walking backwards yields newest first.
	var out []Record
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Key == key {
			out = append(out, entries[i])
		}
	}
	return out, nil
}

// Drop removes the run's file.
func (f *FileIndex) Drop(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cache, runID)
	if err := os.Remove(f.path(runID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("drop index %s: %w", runID, err)
	}
	return nil
}

func (f *FileIndex) Close() error { return nil }

// loadLocked returns the cached entries of a run, reading the file on first use.
func (f *FileIndex) loadLocked(runID string) ([]Record, error) {
	if entries, ok := f.cache[runID]; ok {
		return entries, nil
	}
	file, err := os.Open(f.path(runID))
	if os.IsNotExist(err) {
		f.cache[runID] = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	var entries []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("decode index entry: %w", err)
		}
		entries = append(entries, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read index file: %w", err)
	}
	f.cache[runID] = entries
	return entries, nil
}

func sanitizeRunID(runID string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '.' {
			return '_'
		}
		return r
	}, runID)
}
