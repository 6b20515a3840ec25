// Package watch submits card photos dropped into a directory as scans.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"cardscan/models"

	"github.com/fsnotify/fsnotify"
)

// Submitter creates and processes a scan from image bytes.
type Submitter interface {
	Submit(ctx context.Context, ownerID uint, img []byte, contentType string) (*models.ScanAttempt, error)
}

type Config struct {
	Dir string
	// ProcessedDir receives submitted files; defaults to Dir/processed.
	ProcessedDir string
	OwnerID      uint
	Workers      int
	// Debounce is how long a file must stay unchanged before it is read.
	Debounce time.Duration
	// MaxArchiveBytes is the size above which archived photos are downscaled.
	MaxArchiveBytes int64
	DryRun          bool
}

// Summary counts the outcome of a batch.
type Summary struct {
	Submitted  int
	Identified int
	Failed     int
	Errors     int
}

type Watcher struct {
	cfg    Config
	sub    Submitter
	logger *slog.Logger

	mu      sync.Mutex
	summary Summary
}

// MIME mapping to avoid sniffing every file.
var extMime = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

func New(cfg Config, sub Submitter, logger *slog.Logger) *Watcher {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 300 * time.Millisecond
	}
	if cfg.ProcessedDir == "" {
		cfg.ProcessedDir = filepath.Join(cfg.Dir, "processed")
	}
	if cfg.MaxArchiveBytes <= 0 {
		cfg.MaxArchiveBytes = 1_000_000
	}
	return &Watcher{cfg: cfg, sub: sub, logger: logger.With("component", "watch", "dir", cfg.Dir)}
}

// RunOnce submits every supported file currently in the directory.
func (w *Watcher) RunOnce(ctx context.Context) (Summary, error) {
	files, err := listImageFiles(w.cfg.Dir)
	if err != nil {
		return Summary{}, err
	}
	w.logger.Info("scanning directory", "files", len(files), "workers", w.cfg.Workers, "dry_run", w.cfg.DryRun)
	names := make(chan string)
	go func() {
		defer close(names)
		for _, f := range files {
			select {
			case names <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	w.runWorkers(ctx, names)
	return w.Summary(), ctx.Err()
}

// Watch submits files as they appear until ctx is cancelled. A file is
// read once no create or write event touched it for the debounce period.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.cfg.Dir); err != nil {
		return err
	}
	w.logger.Info("watching directory", "debounce", w.cfg.Debounce)

	names := make(chan string, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.runWorkers(ctx, names)
	}()
	err = w.debounce(ctx, fw, names)
	close(names)
	<-done
	return err
}

func (w *Watcher) debounce(ctx context.Context, fw *fsnotify.Watcher, names chan<- string) error {
	pending := map[string]time.Time{}
	ticker := time.NewTicker(w.cfg.Debounce / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				name := filepath.Base(ev.Name)
				if isSupportedExt(name) {
					pending[name] = time.Now()
				}
			}
		case <-ticker.C:
			now := time.Now()
			for name, t := range pending {
				if now.Sub(t) < w.cfg.Debounce {
					continue
				}
				delete(pending, name)
				select {
				case names <- name:
				case <-ctx.Done():
					return nil
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) runWorkers(ctx context.Context, names <-chan string) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range names {
				if ctx.Err() != nil {
					continue
				}
				w.processFile(ctx, name)
			}
		}()
	}
	wg.Wait()
}

func (w *Watcher) processFile(ctx context.Context, name string) {
	path := filepath.Join(w.cfg.Dir, name)
	if w.cfg.DryRun {
		w.logger.Info("dry run, would submit", "file", name, "content_type", mimeFromExt(name))
		w.count(func(s *Summary) { s.Submitted++ })
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("read failed", "file", name, "error", err)
		w.count(func(s *Summary) { s.Errors++ })
		return
	}
	sc, err := w.sub.Submit(ctx, w.cfg.OwnerID, data, mimeFromExt(name))
	if err != nil {
		w.logger.Error("submit failed", "file", name, "error", err)
		w.count(func(s *Summary) { s.Errors++ })
		return
	}
	w.count(func(s *Summary) {
		s.Submitted++
		switch sc.Status {
		case models.ScanIdentified:
			s.Identified++
		case models.ScanFailed:
			s.Failed++
		}
	})
	w.logger.Info("scan submitted", "file", name, "scan_id", sc.ID, "status", sc.Status)
	if err := moveToProcessed(path, w.cfg.ProcessedDir, w.cfg.MaxArchiveBytes); err != nil {
		w.logger.Warn("failed to move processed file", "file", name, "error", err)
	}
}

func (w *Watcher) count(f func(*Summary)) {
	w.mu.Lock()
	f(&w.summary)
	w.mu.Unlock()
}

// Summary returns the counts so far.
func (w *Watcher) Summary() Summary {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.summary
}

func (s Summary) String() string {
	return fmt.Sprintf("submitted=%d identified=%d failed=%d errors=%d", s.Submitted, s.Identified, s.Failed, s.Errors)
}

func listImageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isSupportedExt(e.Name()) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

func isSupportedExt(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	_, ok := extMime[strings.ToLower(filepath.Ext(name))]
	return ok
}

func mimeFromExt(name string) string {
	return extMime[strings.ToLower(filepath.Ext(name))]
}
