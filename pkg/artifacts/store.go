// Package artifacts implements per-run storage of step inputs and outputs
// with metadata sidecars, input hashing, and transparent gzip compression.
package artifacts

import (
	"compress/gzip"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CompressionThreshold is the payload size in bytes above which artifacts
// are gzip-compressed.
const CompressionThreshold = 10 * 1024

// Metadata is the sidecar record written next to every artifact payload.
type Metadata struct {
	// RunID is the run that produced the artifact.
	RunID string `json:"run_id"`

	// ToolName is the producing tool.
	ToolName string `json:"tool_name"`

	// Sequence is the monotonic artifact number within the run.
	Sequence int `json:"sequence"`

	// Timestamp is the artifact creation time.
	Timestamp time.Time `json:"timestamp"`

	// InputHash is the MD5 hex digest of the canonical serialized input.
	InputHash string `json:"input_hash"`

	// SizeBytes is the byte size of the serialized payload before compression.
	SizeBytes int `json:"size_bytes"`

	// ExecutionSeconds is the tool execution duration in seconds.
	ExecutionSeconds float64 `json:"execution_seconds"`

	// Status is the outcome status string of the producing invocation.
	Status string `json:"status"`

	// Error carries error details for failed invocations.
	Error string `json:"error,omitempty"`

	// Compressed is true when the payload is gzip-compressed.
	Compressed bool `json:"compressed"`
}

// payload is the serialized artifact body.
type payload struct {
	Input         interface{} `json:"input"`
	Output        interface{} `json:"output"`
	Timestamp     time.Time   `json:"timestamp"`
	ExecutionTime float64     `json:"execution_time"`
	Status        string      `json:"status"`
	Error         string      `json:"error,omitempty"`
}

// Stats summarizes the artifact tree.
type Stats struct {
	// TotalBytes is the cumulative size of all files under the root.
	TotalBytes int64 `json:"total_bytes"`

	// FileCount is the number of files under the root.
	FileCount int `json:"file_count"`

	// RunCount is the number of run directories.
	RunCount int `json:"run_count"`
}

// Entry pairs an artifact payload path with its metadata, as returned by
// ListRun.
type Entry struct {
	// Path is the absolute payload path.
	Path string

	// Metadata is the sidecar content.
	Metadata Metadata
}

// Store writes artifacts under a root directory, one subdirectory per run.
// Artifacts are never overwritten; a replay produces a new sequence number.
type Store struct {
	root   string
	mu     sync.Mutex
	seqs   map[string]int
	logger zerolog.Logger
}

// NewStore creates an artifact store rooted at dir, creating it if needed.
// The root is resolved to an absolute path so returned artifact paths stay
// valid regardless of the caller's working directory.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact root directory is required")
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &Store{
		root:   root,
		seqs:   make(map[string]int),
		logger: logger.With().Str("component", "artifacts").Logger(),
	}, nil
}

// Root returns the artifact root directory.
func (s *Store) Root() string {
	return s.root
}

// NewRunID returns a fresh run identifier of the form run_<unixSeconds>_<8hex>.
func NewRunID() string {
	id := uuid.New()
	return fmt.Sprintf("run_%d_%s", time.Now().Unix(), hex.EncodeToString(id[:4]))
}

// Store persists one artifact and returns the absolute payload path.
// errInfo may be empty for successful invocations.
func (s *Store) Store(runID, toolName string, input, output interface{}, duration time.Duration, status, errInfo string) (string, error) {
	runDir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}

	s.mu.Lock()
	s.seqs[runID]++
	seq := s.seqs[runID]
	s.mu.Unlock()

	now := time.Now().UTC()
	body := payload{
		Input:         input,
		Output:        output,
		Timestamp:     now,
		ExecutionTime: duration.Seconds(),
		Status:        status,
		Error:         errInfo,
	}

	data, err := canonicalJSON(body)
	if err != nil {
		return "", fmt.Errorf("failed to serialize artifact: %w", err)
	}

	inputBytes, err := canonicalJSON(input)
	if err != nil {
		return "", fmt.Errorf("failed to serialize artifact input: %w", err)
	}
	hash := md5.Sum(inputBytes)

	artifactID := fmt.Sprintf("%s_%03d", toolName, seq)
	compressed := len(data) > CompressionThreshold

	path := filepath.Join(runDir, artifactID+".json")
	if compressed {
		path += ".gz"
		if err := writeGzip(path, data); err != nil {
			return "", fmt.Errorf("failed to write compressed artifact: %w", err)
		}
	} else {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("failed to write artifact: %w", err)
		}
	}

	meta := Metadata{
		RunID:            runID,
		ToolName:         toolName,
		Sequence:         seq,
		Timestamp:        now,
		InputHash:        hex.EncodeToString(hash[:]),
		SizeBytes:        len(data),
		ExecutionSeconds: duration.Seconds(),
		Status:           status,
		Error:            errInfo,
		Compressed:       compressed,
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize artifact metadata: %w", err)
	}
	metaPath := filepath.Join(runDir, artifactID+"_metadata.json")
	if err := os.WriteFile(metaPath, metaData, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact metadata: %w", err)
	}

	s.logger.Debug().
		Str("run_id", runID).
		Str("tool", toolName).
		Int("sequence", seq).
		Bool("compressed", compressed).
		Int("bytes", len(data)).
		Msg("artifact stored")

	return path, nil
}

// Get reads an artifact payload, transparently decompressing .gz files.
func (s *Store) Get(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip artifact: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// ListRun enumerates the payload files of a run ordered by metadata sequence.
// Metadata sidecars are excluded from the result.
func (s *Store) ListRun(runID string) ([]Entry, error) {
	runDir := filepath.Join(s.root, runID)
	files, err := os.ReadDir(runDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read run directory: %w", err)
	}

	var entries []Entry
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || strings.HasSuffix(name, "_metadata.json") {
			continue
		}
		if !strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".json.gz") {
			continue
		}

		base := strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), ".json")
		metaPath := filepath.Join(runDir, base+"_metadata.json")
		metaData, err := os.ReadFile(metaPath)
		if err != nil {
			s.logger.Warn().Str("artifact", name).Err(err).Msg("artifact has no metadata sidecar")
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(metaData, &meta); err != nil {
			return nil, fmt.Errorf("corrupt metadata sidecar %s: %w", metaPath, err)
		}

		entries = append(entries, Entry{
			Path:     filepath.Join(runDir, name),
			Metadata: meta,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Metadata.Sequence < entries[j].Metadata.Sequence
	})
	return entries, nil
}

// Cleanup removes run directories whose oldest file is older than the
// cutoff. Returns the number of removed runs.
func (s *Store) Cleanup(olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("failed to read artifact root: %w", err)
	}

	removed := 0
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		runDir := filepath.Join(s.root, d.Name())

		oldest, err := oldestModTime(runDir)
		if err != nil {
			return removed, err
		}
		if oldest.After(cutoff) {
			continue
		}

		if err := os.RemoveAll(runDir); err != nil {
			return removed, fmt.Errorf("failed to remove run directory %s: %w", d.Name(), err)
		}
		s.mu.Lock()
		delete(s.seqs, d.Name())
		s.mu.Unlock()
		removed++
	}

	if removed > 0 {
		s.logger.Info().Int("runs", removed).Msg("old artifact runs removed")
	}
	return removed, nil
}

// Stats walks the artifact tree and returns aggregate size information.
func (s *Store) Stats() (Stats, error) {
	var stats Stats

	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return stats, fmt.Errorf("failed to read artifact root: %w", err)
	}

	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		stats.RunCount++

		err := filepath.Walk(filepath.Join(s.root, d.Name()), func(_ string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() {
				stats.FileCount++
				stats.TotalBytes += info.Size()
			}
			return nil
		})
		if err != nil {
			return stats, fmt.Errorf("failed to walk artifact tree: %w", err)
		}
	}
	return stats, nil
}

// canonicalJSON serializes v with stable key ordering: objects are decoded
// into maps (which Go marshals with sorted keys) before re-encoding.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func writeGzip(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func oldestModTime(dir string) (time.Time, error) {
	var oldest time.Time
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && path == dir {
			return nil
		}
		if oldest.IsZero() || info.ModTime().Before(oldest) {
			oldest = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return oldest, fmt.Errorf("failed to inspect run directory: %w", err)
	}
	if oldest.IsZero() {
		// An empty run directory counts as stale.
		info, err := os.Stat(dir)
		if err != nil {
			return oldest, err
		}
		oldest = info.ModTime()
	}
	return oldest, nil
}
