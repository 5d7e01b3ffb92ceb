package storage

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const dayLayout = "2006-01-02"

// Storage archives raw device reports into one file per UTC day.
// When the day changes the previous file is closed and gzip compressed.
type Storage struct {
	outputDir string
	file      *os.File
	day       string
	mu        sync.Mutex
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a new Storage instance
func New(outputDir string, logger zerolog.Logger) *Storage {
	return &Storage{
		outputDir: outputDir,
		logger:    logger.With().Str("component", "archive").Logger(),
		now:       time.Now,
	}
}

// Start creates the output directory and opens today's file
func (s *Storage) Start() error {
	if err := os.MkdirAll(s.outputDir, 0o750); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked(s.now().UTC().Format(dayLayout))
}

// Stop closes the current file
func (s *Storage) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// WriteMessage appends one report line to the current day's file
func (s *Storage) WriteMessage(message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if day := s.now().UTC().Format(dayLayout); s.file == nil || day != s.day {
		if err := s.rotateLocked(day); err != nil {
			return err
		}
	}

	if len(message) > 0 && message[len(message)-1] == '\n' {
		_, err := s.file.Write(message)
		return err
	}
	line := make([]byte, 0, len(message)+1)
	line = append(line, message...)
	_, err := s.file.Write(append(line, '\n'))
	return err
}

// FileName returns the archive file of a day
func FileName(day time.Time) string {
	return fileName(day.UTC().Format(dayLayout))
}

func fileName(day string) string {
	return "reports_" + day + ".ndjson"
}

func (s *Storage) rotateLocked(day string) error {
	previous := ""
	if s.file != nil {
		previous = s.file.Name()
		if err := s.file.Close(); err != nil {
			s.logger.Warn().Err(err).Str("file", previous).Msg("Error closing archive file")
		}
		s.file = nil
	}

	filename := filepath.Join(s.outputDir, fileName(day))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	s.file = file
	s.day = day

	if previous != "" && previous != filename {
		if err := compressFile(previous); err != nil {
			s.logger.Warn().Err(err).Str("file", previous).Msg("Failed to compress archive file")
		}
	}
	return nil
}

// compressFile replaces path with path.gz
func compressFile(path string) error {
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer target.Close()

	gzipWriter := gzip.NewWriter(target)
	if _, err := io.Copy(gzipWriter, source); err != nil {
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		return err
	}

	return os.Remove(path)
}
