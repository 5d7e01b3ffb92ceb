package storage

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var day1 = time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)

func newTestStorage(t *testing.T) (*Storage, *fakeClock, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "archive")
	clock := &fakeClock{now: day1}
	s := New(dir, zerolog.Nop())
	s.now = clock.Now
	return s, clock, dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return string(data)
}

func TestFileName(t *testing.T) {
	brt := time.FixedZone("BRT", -3*3600)
	if got := FileName(time.Date(2024, 5, 1, 22, 0, 0, 0, brt)); got != "reports_2024-05-02.ndjson" {
		t.Errorf("Expected UTC day in file name, got %s", got)
	}
}

func TestStorage_StartCreatesDirectory(t *testing.T) {
	s, _, dir := newTestStorage(t)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Stop()

	if _, err := os.Stat(filepath.Join(dir, FileName(day1))); err != nil {
		t.Errorf("Expected today's file to exist: %v", err)
	}
}

func TestStorage_WriteMessage(t *testing.T) {
	tests := []struct {
		name     string
		messages []string
		expected string
	}{
		{
			name:     "adds newline",
			messages: []string{`{"a":1}`, `{"b":2}`},
			expected: "{\"a\":1}\n{\"b\":2}\n",
		},
		{
			name:     "keeps existing newline",
			messages: []string{"{\"a\":1}\n"},
			expected: "{\"a\":1}\n",
		},
		{
			name:     "empty message",
			messages: []string{""},
			expected: "\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, dir := newTestStorage(t)
			if err := s.Start(); err != nil {
				t.Fatalf("Start() failed: %v", err)
			}

			for _, m := range tt.messages {
				if err := s.WriteMessage([]byte(m)); err != nil {
					t.Fatalf("WriteMessage() failed: %v", err)
				}
			}
			if err := s.Stop(); err != nil {
				t.Fatalf("Stop() failed: %v", err)
			}

			if got := readFile(t, filepath.Join(dir, FileName(day1))); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestStorage_WriteDoesNotAliasCallerBuffer(t *testing.T) {
	s, _, dir := newTestStorage(t)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	buf := make([]byte, 3, 16)
	copy(buf, "abc")
	if err := s.WriteMessage(buf); err != nil {
		t.Fatalf("WriteMessage() failed: %v", err)
	}
	if string(buf[:cap(buf)][3:4]) == "\n" {
		t.Error("WriteMessage() wrote into the caller's spare capacity")
	}
	_ = s.Stop()

	if got := readFile(t, filepath.Join(dir, FileName(day1))); got != "abc\n" {
		t.Errorf("Unexpected content %q", got)
	}
}

func TestStorage_RotatesAndCompressesAtMidnight(t *testing.T) {
	s, clock, dir := newTestStorage(t)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if err := s.WriteMessage([]byte("day one")); err != nil {
		t.Fatalf("WriteMessage() failed: %v", err)
	}

	day2 := day1.Add(2 * time.Minute)
	clock.Set(day2)
	if err := s.WriteMessage([]byte("day two")); err != nil {
		t.Fatalf("WriteMessage() failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	oldPath := filepath.Join(dir, FileName(day1))
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("Expected uncompressed previous file to be removed, got %v", err)
	}

	f, err := os.Open(oldPath + ".gz")
	if err != nil {
		t.Fatalf("Expected compressed previous file: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("Invalid gzip file: %v", err)
	}
	content, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("Failed to decompress: %v", err)
	}
	if string(content) != "day one\n" {
		t.Errorf("Expected compressed content %q, got %q", "day one\n", content)
	}

	if got := readFile(t, filepath.Join(dir, FileName(day2))); got != "day two\n" {
		t.Errorf("Expected new day content, got %q", got)
	}
}

func TestStorage_WriteWithoutStart(t *testing.T) {
	s, _, dir := newTestStorage(t)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	if err := s.WriteMessage([]byte("lazy")); err != nil {
		t.Fatalf("WriteMessage() failed: %v", err)
	}
	_ = s.Stop()

	if got := readFile(t, filepath.Join(dir, FileName(day1))); !strings.Contains(got, "lazy") {
		t.Errorf("Expected lazily opened file to contain message, got %q", got)
	}
}

func TestStorage_StopWithoutStart(t *testing.T) {
	s, _, _ := newTestStorage(t)
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() without Start() should not fail: %v", err)
	}
}

func TestStorage_StartInvalidPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}

	s := New(filepath.Join(file, "archive"), zerolog.Nop())
	if err := s.Start(); err == nil {
		t.Error("Expected error for a directory below a regular file")
	}
}

func TestStorage_ConcurrentWrites(t *testing.T) {
	s, _, dir := newTestStorage(t)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := s.WriteMessage([]byte("line")); err != nil {
					t.Errorf("WriteMessage() failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	_ = s.Stop()

	lines := strings.Split(strings.TrimSpace(readFile(t, filepath.Join(dir, FileName(day1)))), "\n")
	if len(lines) != 200 {
		t.Errorf("Expected 200 lines, got %d", len(lines))
	}
}
