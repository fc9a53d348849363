package artifacts

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func TestNewStoreResolvesRelativeRoot(t *testing.T) {
	t.Chdir(t.TempDir())

	s, err := NewStore("artifacts", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if !filepath.IsAbs(s.Root()) {
		t.Errorf("Root() = %s, want absolute path", s.Root())
	}

	path, err := s.Store(NewRunID(), "read_file", map[string]interface{}{"path": "x"}, "out", 0, "success", "")
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if !filepath.IsAbs(path) {
		t.Errorf("Store() path = %s, want absolute", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("payload not readable at returned path: %v", err)
	}
}

func TestStoreWritesPayloadAndSidecar(t *testing.T) {
	s := newTestStore(t)
	runID := NewRunID()

	input := map[string]interface{}{"path": "."}
	output := map[string]interface{}{"files": []string{"a", "b"}}
	path, err := s.Store(runID, "list_files", input, output, 120*time.Millisecond, "success", "")
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if filepath.Base(path) != "list_files_001.json" {
		t.Errorf("payload name = %s, want list_files_001.json", filepath.Base(path))
	}

	metaPath := filepath.Join(filepath.Dir(path), "list_files_001_metadata.json")
	metaData, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("metadata sidecar missing: %v", err)
	}
	var meta Metadata
	if err := json.Unmarshal(metaData, &meta); err != nil {
		t.Fatalf("failed to decode metadata: %v", err)
	}

	if meta.RunID != runID || meta.ToolName != "list_files" || meta.Sequence != 1 {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.Compressed {
		t.Error("small payload should not be compressed")
	}

	// Input hash must be MD5 of the canonical serialized input.
	canonical, err := canonicalJSON(input)
	if err != nil {
		t.Fatalf("canonicalJSON() error = %v", err)
	}
	sum := md5.Sum(canonical)
	if meta.InputHash != hex.EncodeToString(sum[:]) {
		t.Errorf("input hash = %s, want %s", meta.InputHash, hex.EncodeToString(sum[:]))
	}
}

func TestSequenceIsMonotonicPerRun(t *testing.T) {
	s := newTestStore(t)
	runA := "run_1_aaaaaaaa"
	runB := "run_1_bbbbbbbb"

	p1, _ := s.Store(runA, "read_file", nil, "x", 0, "success", "")
	p2, _ := s.Store(runA, "read_file", nil, "y", 0, "success", "")
	p3, _ := s.Store(runB, "read_file", nil, "z", 0, "success", "")

	if filepath.Base(p1) != "read_file_001.json" || filepath.Base(p2) != "read_file_002.json" {
		t.Errorf("run A artifacts = %s, %s", filepath.Base(p1), filepath.Base(p2))
	}
	if filepath.Base(p3) != "read_file_001.json" {
		t.Errorf("run B first artifact = %s, want read_file_001.json", filepath.Base(p3))
	}
}

func TestCompressionAboveThreshold(t *testing.T) {
	s := newTestStore(t)
	runID := NewRunID()

	big := strings.Repeat("x", CompressionThreshold+1)
	path, err := s.Store(runID, "read_file", map[string]interface{}{"path": "big"}, big, time.Second, "success", "")
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if !strings.HasSuffix(path, ".json.gz") {
		t.Fatalf("large payload path = %s, want .json.gz suffix", path)
	}

	data, err := s.Get(path)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decompressed payload is not JSON: %v", err)
	}
	if body["output"] != big {
		t.Error("round-tripped output does not match")
	}

	entries, err := s.ListRun(runID)
	if err != nil {
		t.Fatalf("ListRun() error = %v", err)
	}
	if len(entries) != 1 || !entries[0].Metadata.Compressed {
		t.Errorf("entries = %+v, want one compressed entry", entries)
	}
}

func TestListRunOrdersBySequence(t *testing.T) {
	s := newTestStore(t)
	runID := NewRunID()

	for i := 0; i < 3; i++ {
		if _, err := s.Store(runID, "bash_execute", nil, i, 0, "success", ""); err != nil {
			t.Fatalf("Store() error = %v", err)
		}
	}

	entries, err := s.ListRun(runID)
	if err != nil {
		t.Fatalf("ListRun() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Metadata.Sequence != i+1 {
			t.Errorf("entry %d sequence = %d, want %d", i, e.Metadata.Sequence, i+1)
		}
		if strings.HasSuffix(e.Path, "_metadata.json") {
			t.Errorf("entry %d is a metadata sidecar: %s", i, e.Path)
		}
	}

	if entries, err := s.ListRun("run_0_missing0"); err != nil || entries != nil {
		t.Errorf("ListRun(missing) = %v, %v, want nil, nil", entries, err)
	}
}

func TestCleanupRespectsCutoff(t *testing.T) {
	s := newTestStore(t)

	oldRun := "run_1_cccccccc"
	newRun := "run_2_dddddddd"
	if _, err := s.Store(oldRun, "read_file", nil, "old", 0, "success", ""); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if _, err := s.Store(newRun, "read_file", nil, "new", 0, "success", ""); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	// Age the old run's files past the cutoff.
	past := time.Now().AddDate(0, 0, -10)
	entries, _ := os.ReadDir(filepath.Join(s.Root(), oldRun))
	for _, e := range entries {
		p := filepath.Join(s.Root(), oldRun, e.Name())
		if err := os.Chtimes(p, past, past); err != nil {
			t.Fatalf("failed to age file: %v", err)
		}
	}

	removed, err := s.Cleanup(7)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), oldRun)); !os.IsNotExist(err) {
		t.Error("old run directory should be removed")
	}
	if _, err := os.Stat(filepath.Join(s.Root(), newRun)); err != nil {
		t.Error("recent run directory should survive cleanup")
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	runID := NewRunID()
	if _, err := s.Store(runID, "read_file", nil, "data", 0, "success", ""); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", stats.RunCount)
	}
	if stats.FileCount != 2 {
		t.Errorf("FileCount = %d, want 2 (payload + sidecar)", stats.FileCount)
	}
	if stats.TotalBytes <= 0 {
		t.Errorf("TotalBytes = %d, want > 0", stats.TotalBytes)
	}
}

func TestNewRunIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^run_\d+_[0-9a-f]{8}$`)
	id := NewRunID()
	if !re.MatchString(id) {
		t.Errorf("run id %q does not match run_<unixSeconds>_<8hex>", id)
	}
	if id == NewRunID() && id == NewRunID() {
		t.Error("run ids should not repeat")
	}
}

func TestCanonicalJSONStableKeyOrder(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2, "c": map[string]interface{}{"z": 1, "y": 2}}
	first, err := canonicalJSON(a)
	if err != nil {
		t.Fatalf("canonicalJSON() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := canonicalJSON(a)
		if err != nil {
			t.Fatalf("canonicalJSON() error = %v", err)
		}
		if string(first) != string(again) {
			t.Fatalf("canonical encoding unstable: %s vs %s", first, again)
		}
	}
	if string(first) != `{"a":2,"b":1,"c":{"y":2,"z":1}}` {
		t.Errorf("canonical encoding = %s", first)
	}
}
