package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the new, validated config after a successful reload.
// It runs on the watcher goroutine; keep it fast.
type ReloadFunc func(newCfg *Config)

// Watcher monitors the config file and invokes a callback with each new,
// validated config. Detection combines fsnotify (low-latency on real
// filesystems) with periodic content-hash polling, because Kubernetes
// ConfigMap volumes update by swapping a "..data" symlink that inotify
// frequently misses.
type Watcher struct {
	path         string
	dir          string
	onReload     ReloadFunc
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher builds a watcher for the config file at path. Watching begins
// when Start is called.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		onReload:     onReload,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// fileFingerprint captures the state used to detect out-of-band config
// updates: the target of the Kubernetes "..data" symlink (fast signal) and
// the content hash of the file itself (slow but universal signal).
type fileFingerprint struct {
	dataLink string
	hash     string
	target   string
}

func (fp *fileFingerprint) take(path string) {
	fp.hash = digestFile(path)
	fp.target = resolveLink(fp.dataLink)
}

// stale reports whether the file content differs from the last snapshot.
func (fp *fileFingerprint) stale(path string) bool {
	if target := resolveLink(fp.dataLink); target != "" && target != fp.target {
		fp.target = target
		return true
	}
	return digestFile(path) != fp.hash
}

// Start runs the watch loop until the context is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the parent directory too: atomic saves and ConfigMap updates
	// replace the file rather than writing it in place.
	if err := fw.Add(w.dir); err != nil {
		return err
	}
	_ = fw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path)

	fp := &fileFingerprint{dataLink: filepath.Join(w.dir, "..data")}
	fp.take(w.path)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				// The old inode fell out of the watch set on atomic save.
				_ = fw.Add(w.path)
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			w.reload()
			fp.take(w.path)

		case <-poll.C:
			if fp.stale(w.path) {
				fp.take(w.path)
				w.logger.Debug("config change detected via polling", "path", w.path)
				w.reload()
			}

		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", werr)
		}
	}
}

// reload loads and validates the config, publishing it on success. A failed
// reload keeps the previous config in effect.
func (w *Watcher) reload() {
	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping old config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(newCfg)
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// digestFile returns the SHA-256 digest of the file at path, or "" if the
// file cannot be read. Symlinks are followed, so a volume swap changes it.
func digestFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

func resolveLink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}

// CertCallback is invoked when TLS certificate material changes on disk.
type CertCallback func(certFile, keyFile string)

// CertWatcher polls TLS certificate files for changes. Cert material lives
// in Secret volumes where inotify is unreliable, so this watcher is
// poll-only.
type CertWatcher struct {
	certFile     string
	keyFile      string
	callback     CertCallback
	logger       *slog.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewCertWatcher builds a watcher for the given cert/key pair. Polling
// begins when Start is called.
func NewCertWatcher(certFile, keyFile string, callback CertCallback, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		callback:     callback,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

// Start runs the poll loop until the context is canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	ctx, cw.cancel = context.WithCancel(ctx)

	dataLink := filepath.Join(filepath.Dir(cw.certFile), "..data")
	cw.logger.Info("TLS cert watcher started", "cert", cw.certFile)

	certHash := digestFile(cw.certFile)
	keyHash := digestFile(cw.keyFile)
	linkTarget := resolveLink(dataLink)

	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("TLS cert watcher stopped")
			return nil
		case <-ticker.C:
			changed := false
			if target := resolveLink(dataLink); target != "" && target != linkTarget {
				linkTarget = target
				changed = true
			}
			if !changed {
				changed = digestFile(cw.certFile) != certHash || digestFile(cw.keyFile) != keyHash
			}
			if changed {
				certHash = digestFile(cw.certFile)
				keyHash = digestFile(cw.keyFile)
				cw.logger.Info("TLS certificate change detected", "cert", cw.certFile)
				cw.callback(cw.certFile, cw.keyFile)
			}
		}
	}
}

// Stop terminates the poll loop.
func (cw *CertWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.stopped {
		return
	}
	cw.stopped = true
	if cw.cancel != nil {
		cw.cancel()
	}
}
