// Package journal keeps an append-only, redacted audit log of every event seen
// by the local instance. Records hold a hash of the payload, never the payload.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/sheetpub/sheetpub/internal/events"
	"github.com/sheetpub/sheetpub/internal/logging"
	"github.com/sheetpub/sheetpub/internal/utils"
)

// Record is one journal line
type Record struct {
	ID             string      `json:"id"`
	Type           events.Type `json:"type"`
	Timestamp      time.Time   `json:"timestamp"`
	SourceInstance string      `json:"sourceInstance"`
	PayloadHash    string      `json:"payloadHash"`
}

// Options controls rotation of the active file
type Options struct {
	// MaxSizeBytes rotates the active file once it grows past this size. 0 disables rotation.
	MaxSizeBytes int64
	// Archive compresses rotated segments; when false rotation is disabled.
	Archive bool
}

// Journal is an NDJSON file plus any snappy-compressed archived segments
type Journal struct {
	path   string
	opts   Options
	logger *logging.Logger

	mu   sync.Mutex
	file *os.File
	size int64
}

// Open opens (creating if needed) the journal at path
func Open(path string, opts Options, logger *logging.Logger) (*Journal, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat journal: %w", err)
	}

	return &Journal{
		path:   path,
		opts:   opts,
		logger: logger.With("component", "journal"),
		file:   f,
		size:   info.Size(),
	}, nil
}

// HashPayload returns the hex xxhash64 of the event payload's canonical JSON
func HashPayload(e events.Event) (string, error) {
	data, err := e.PayloadBytes()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}

// NewRecord redacts e into a journal record
func NewRecord(e events.Event) (Record, error) {
	hash, err := HashPayload(e)
	if err != nil {
		return Record{}, fmt.Errorf("failed to hash payload of %s: %w", e.ID, err)
	}
	return Record{
		ID:             e.ID,
		Type:           e.Type,
		Timestamp:      e.CreatedAt,
		SourceInstance: e.SourceInstanceID,
		PayloadHash:    hash,
	}, nil
}

// Append durably writes the redacted form of e before returning
func (j *Journal) Append(e events.Event) (Record, error) {
	rec, err := NewRecord(e)
	if err != nil {
		return Record{}, err
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode journal record: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return Record{}, fmt.Errorf("journal is closed")
	}

	n, err := j.file.Write(line)
	j.size += int64(n)
	if err != nil {
		return Record{}, fmt.Errorf("failed to append journal record: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return Record{}, fmt.Errorf("failed to sync journal: %w", err)
	}

	if j.opts.Archive && j.opts.MaxSizeBytes > 0 && j.size >= j.opts.MaxSizeBytes {
		if _, err := j.rotateLocked(); err != nil {
			// the record itself is durable; rotation is retried on the next append
			j.logger.Error("Journal rotation failed", "error", err)
		}
	}

	return rec, nil
}

// Handler adapts the journal to an event bus subscriber
func (j *Journal) Handler() events.Handler {
	return func(e events.Event) error {
		_, err := j.Append(e)
		return err
	}
}

// ReadAll returns every record, archived segments first, in append order
func (j *Journal) ReadAll() ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	archives, err := j.archivesLocked()
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, name := range archives {
		recs, err := j.readArchive(name)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}

	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return records, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer func() { _ = f.Close() }()

	recs, err := j.decode(f, j.path)
	if err != nil {
		return nil, err
	}
	return append(records, recs...), nil
}

// FilterByInstance returns the records originating from instanceID
func (j *Journal) FilterByInstance(instanceID string) ([]Record, error) {
	all, err := j.ReadAll()
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(all))
	for _, r := range all {
		if r.SourceInstance == instanceID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Rotate compresses the active file into a new archive segment and truncates it.
// Returns the archive path, or "" when the active file was empty.
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rotateLocked()
}

func (j *Journal) rotateLocked() (string, error) {
	if j.size == 0 {
		return "", nil
	}

	data, err := os.ReadFile(j.path)
	if err != nil {
		return "", fmt.Errorf("failed to read active journal: %w", err)
	}

	archive := fmt.Sprintf("%s-%020d%s", j.archiveBase(), time.Now().UnixNano(), utils.JournalArchiveSuffix)
	out, err := os.OpenFile(archive, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	w := snappy.NewBufferedWriter(out)
	if _, err := w.Write(data); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("failed to compress archive: %w", err)
	}
	if err := w.Close(); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("failed to flush archive: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("failed to sync archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to close archive: %w", err)
	}

	if err := j.file.Truncate(0); err != nil {
		return "", fmt.Errorf("failed to truncate journal: %w", err)
	}
	j.size = 0

	j.logger.Info("Journal segment archived", "archive", archive, "bytes", len(data))
	return archive, nil
}

// Close closes the active file
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func (j *Journal) archiveBase() string {
	return strings.TrimSuffix(j.path, filepath.Ext(j.path))
}

func (j *Journal) archivesLocked() ([]string, error) {
	matches, err := filepath.Glob(j.archiveBase() + "-*" + utils.JournalArchiveSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal archives: %w", err)
	}
	// names embed a zero-padded timestamp, so lexical order is append order
	sort.Strings(matches)
	return matches, nil
}

func (j *Journal) readArchive(name string) ([]Record, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(snappy.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress archive %s: %w", name, err)
	}
	return j.decode(bytes.NewReader(data), name)
}

// decode parses NDJSON, skipping lines that do not parse (e.g. a torn final write)
func (j *Journal) decode(r io.Reader, source string) ([]Record, error) {
	var records []Record

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			j.logger.Warn("Skipping malformed journal line", "source", source, "line", lineNo, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}
	return records, nil
}
