// ABOUTME: Watches a spool directory for capture request files dropped by external tools
// ABOUTME: Submits each *.json file, deleting it on success and moving rejects aside

package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// RejectedDir is the subdirectory that receives files that can never be
// submitted.
const RejectedDir = "rejected"

// Submitter queues a request. Capturer satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req Request) (Receipt, error)
}

// Spool feeds request files from a directory into a Submitter.
//
// Writers should create files under a name that does not end in .json and
// rename them into place, so a half-written file is never read.
type Spool struct {
	dir       string
	submitter Submitter
	logger    *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewSpool creates a spool over dir. The directory and its rejected/
// subdirectory are created on Start.
func NewSpool(dir string, submitter Submitter, logger *slog.Logger) *Spool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Spool{
		dir:       dir,
		submitter: submitter,
		logger:    logger.With("component", "spool", "dir", dir),
	}
}

// Start processes files already present and then watches for new ones
// until Stop or ctx cancellation.
func (s *Spool) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("spool already running")
	}
	if err := os.MkdirAll(filepath.Join(s.dir, RejectedDir), 0o750); err != nil {
		return fmt.Errorf("creating spool directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", s.dir, err)
	}

	s.watcher = w
	s.done = make(chan struct{})
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Scan(ctx)
		s.processEvents(ctx)
	}()

	s.logger.Info("spool started")
	return nil
}

// Stop stops watching and waits for the file being processed.
func (s *Spool) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	err := s.watcher.Close()
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("closing watcher", "error", err)
	}
	s.wg.Wait()
}

// Scan processes every request file currently in the directory, oldest
// name first. It returns the number of files submitted.
func (s *Spool) Scan(ctx context.Context) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("reading spool directory", "error", err)
		return 0
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && isRequestFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	submitted := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if s.ProcessFile(ctx, filepath.Join(s.dir, name)) == nil {
			submitted++
		}
	}
	return submitted
}

// ProcessFile submits one request file.
//
// On success the file is removed. Files that cannot be decoded or fail
// validation are moved to rejected/. Any other error leaves the file in
// place for the next Scan.
func (s *Spool) ProcessFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		err = fmt.Errorf("%w: decoding %s: %w", ErrValidation, filepath.Base(path), err)
		s.reject(path, err)
		return err
	}

	rec, err := s.submitter.Submit(ctx, req)
	if errors.Is(err, ErrValidation) {
		s.reject(path, err)
		return err
	}
	if err != nil {
		s.logger.Warn("spool submit failed, will retry", "file", filepath.Base(path), "error", err)
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("removing submitted file", "file", filepath.Base(path), "error", err)
	}
	s.logger.Debug("spool file submitted", "file", filepath.Base(path), "event_id", rec.EventID)
	return nil
}

func (s *Spool) reject(path string, cause error) {
	dest := filepath.Join(s.dir, RejectedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		s.logger.Error("moving rejected file", "file", filepath.Base(path), "error", err)
		return
	}
	s.logger.Warn("spool file rejected", "file", filepath.Base(path), "error", cause)
}

func (s *Spool) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isRequestFile(filepath.Base(event.Name)) {
				continue
			}
			// A file already handled by an earlier event is gone; that is fine.
			_ = s.ProcessFile(ctx, event.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", "error", err)
		}
	}
}

func isRequestFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}
