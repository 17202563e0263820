package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileSink appends committed changes to an NDJSON file with size based
// rotation
type FileSink struct {
	basePath string
	file     *os.File
	mu       sync.Mutex
	encoder  *json.Encoder
	rotate   bool
	maxSize  int64 // Max file size in bytes before rotation
	maxFiles int   // Max number of rotated files to keep
}

// FileSinkConfig configures the file sink
type FileSinkConfig struct {
	BasePath string // Directory for change logs
	Rotate   bool   // Enable rotation
	MaxSize  int64  // Max file size in bytes (default: 100MB)
	MaxFiles int    // Max number of files to keep (default: 10)
}

// DefaultFileSinkConfig returns default configuration
func DefaultFileSinkConfig() FileSinkConfig {
	return FileSinkConfig{
		BasePath: "/var/log/audittrail",
		Rotate:   true,
		MaxSize:  100 * 1024 * 1024, // 100MB
		MaxFiles: 10,
	}
}

// NewFileSink creates a file sink, creating BasePath if needed
func NewFileSink(config FileSinkConfig) (*FileSink, error) {
	if err := os.MkdirAll(config.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	s := &FileSink{
		basePath: config.BasePath,
		rotate:   config.Rotate,
		maxSize:  config.MaxSize,
		maxFiles: config.MaxFiles,
	}
	if s.maxSize == 0 {
		s.maxSize = 100 * 1024 * 1024
	}
	if s.maxFiles == 0 {
		s.maxFiles = 10
	}

	if err := s.openLogFile(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) currentPath() string {
	return filepath.Join(s.basePath, "changes.log")
}

func (s *FileSink) openLogFile() error {
	filename := s.currentPath()

	if s.rotate {
		if info, err := os.Stat(filename); err == nil && info.Size() >= s.maxSize {
			if err := s.rotateFile(); err != nil {
				return fmt.Errorf("failed to rotate log file: %w", err)
			}
		}
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}

	s.file = file
	s.encoder = json.NewEncoder(file)
	return nil
}

func (s *FileSink) rotateFile() error {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}

	timestamp := time.Now().UTC().Format("2006-01-02-15-04-05.000000000")
	rotated := filepath.Join(s.basePath, fmt.Sprintf("changes-%s.log", timestamp))
	if err := os.Rename(s.currentPath(), rotated); err != nil {
		return fmt.Errorf("failed to rename log file: %w", err)
	}

	return s.cleanupOldFiles()
}

// cleanupOldFiles removes the oldest rotated files beyond maxFiles. Rotated
// names embed a sortable timestamp.
func (s *FileSink) cleanupOldFiles() error {
	files, err := filepath.Glob(filepath.Join(s.basePath, "changes-*.log"))
	if err != nil {
		return err
	}
	if len(files) <= s.maxFiles {
		return nil
	}

	sort.Strings(files)
	var firstErr error
	for _, file := range files[:len(files)-s.maxFiles] {
		if err := os.Remove(file); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove old change log %s: %w", file, err)
		}
	}
	return firstErr
}

// Publish appends change as one JSON line
func (s *FileSink) Publish(ctx context.Context, change Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("file sink is closed")
	}

	if s.rotate {
		if info, err := s.file.Stat(); err == nil && info.Size() >= s.maxSize {
			if err := s.openLogFile(); err != nil {
				return fmt.Errorf("failed to rotate log file: %w", err)
			}
		}
	}

	if err := s.encoder.Encode(change); err != nil {
		return fmt.Errorf("failed to write change: %w", err)
	}
	return nil
}

// Close closes the current file
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// ReadChanges reads up to count changes from the current file; count <= 0
// reads all of them
func (s *FileSink) ReadChanges(count int) ([]Change, error) {
	file, err := os.Open(s.currentPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open change log: %w", err)
	}
	defer file.Close()

	var changes []Change
	decoder := json.NewDecoder(file)
	for {
		var c Change
		if err := decoder.Decode(&c); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to decode change log entry: %w", err)
		}
		changes = append(changes, c)

		if count > 0 && len(changes) >= count {
			break
		}
	}
	return changes, nil
}
