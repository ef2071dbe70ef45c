// Package migrate moves cached history in and out of JSONL files.
//
// Export writes one history item per line, oldest first. Import reads such a
// file back through the store's merge-insert, so importing the same file
// twice changes nothing.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jones/aptracker/internal/cache/db"
	"github.com/jones/aptracker/internal/cache/schema"
)

// importBatchSize bounds the items written per transaction.
const importBatchSize = 500

// maxLineSize is the longest JSONL line Import accepts.
const maxLineSize = 1 << 20

// HistoryReader is the read side of the store used by Export.
type HistoryReader interface {
	SearchHistory(ctx context.Context, f db.HistoryFilter) ([]schema.HistoryItem, error)
}

// HistoryWriter is the write side of the store used by Import.
type HistoryWriter interface {
	InsertHistoryItems(ctx context.Context, items []schema.HistoryItem) (db.MergeStats, error)
}

// ExportOptions contains configuration for an export
type ExportOptions struct {
	ToJSONL string       // Output JSONL file path
	Scope   schema.Scope // History scope to export
	Since   time.Time    // Inclusive lower bound; zero exports everything
}

// ExportResult contains statistics about an export
type ExportResult struct {
	Items int
	Path  string
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	FromJSONL string // Input JSONL file path
	DryRun    bool   // Parse and validate without writing
	Backup    bool   // Copy the input aside before importing
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Read          int
	Stats         db.MergeStats
	BackupCreated string
	Errors        []string
}

// LineError reports one line that could not be imported.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// WriteJSONL writes items to w, one JSON object per line. Local ids are not
// written; they are meaningless in another store.
func WriteJSONL(w io.Writer, items []schema.HistoryItem) error {
	enc := json.NewEncoder(w)
	for i := range items {
		it := items[i]
		it.LocalID = 0
		if err := enc.Encode(it); err != nil {
			return fmt.Errorf("failed to encode item %d: %w", i, err)
		}
	}
	return nil
}

// ReadJSONL parses history items from r. Blank lines are ignored. Lines that
// do not decode or validate are returned as LineErrors and skipped; the
// error is only non-nil when r itself fails.
func ReadJSONL(r io.Reader) ([]schema.HistoryItem, []*LineError, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var (
		items   []schema.HistoryItem
		invalid []*LineError
		lineNum int
	)
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var it schema.HistoryItem
		if err := json.Unmarshal(line, &it); err != nil {
			invalid = append(invalid, &LineError{Line: lineNum, Err: fmt.Errorf("invalid JSON: %w", err)})
			continue
		}
		it.LocalID = 0
		if err := it.Validate(); err != nil {
			invalid = append(invalid, &LineError{Line: lineNum, Err: err})
			continue
		}
		items = append(items, it)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read JSONL at line %d: %w", lineNum+1, err)
	}
	return items, invalid, nil
}

// Export writes the history of opts.Scope to opts.ToJSONL, oldest first.
// The file is replaced atomically.
func Export(ctx context.Context, store HistoryReader, opts ExportOptions) (*ExportResult, error) {
	items, err := store.SearchHistory(ctx, db.HistoryFilter{Scope: opts.Scope, Since: opts.Since})
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	reverse(items)

	if err := os.MkdirAll(filepath.Dir(opts.ToJSONL), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := opts.ToJSONL + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := WriteJSONL(w, items); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, opts.ToJSONL); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}

	return &ExportResult{Items: len(items), Path: opts.ToJSONL}, nil
}

// Import merges the items of opts.FromJSONL into store. Invalid lines are
// reported in the result and skipped. A storage failure stops the import;
// batches already written stay written.
func Import(ctx context.Context, store HistoryWriter, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	// #nosec G304 - controlled path from CLI
	input, err := os.ReadFile(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.FromJSONL + ".backup." + time.Now().Format("20060102-150405")
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	items, invalid, err := ReadJSONL(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}
	result.Read = len(items)
	for _, le := range invalid {
		result.Errors = append(result.Errors, le.Error())
	}

	if opts.DryRun {
		return result, nil
	}

	for start := 0; start < len(items); start += importBatchSize {
		end := min(start+importBatchSize, len(items))
		stats, err := store.InsertHistoryItems(ctx, items[start:end])
		if err != nil {
			return result, fmt.Errorf("failed to import items %d-%d: %w", start+1, end, err)
		}
		result.Stats.Inserted += stats.Inserted
		result.Stats.Unchanged += stats.Unchanged
	}

	return result, nil
}

func reverse(items []schema.HistoryItem) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
