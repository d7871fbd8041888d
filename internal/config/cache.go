package config

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Loader caches the resolved configuration. The cache key is the config
// file's mtime plus a signature of the KOKORO_ environment; either changing
// invalidates the cached value. An fsnotify watcher additionally drops the
// cache as soon as the file is rewritten, so long-running servers pick up
// edits without polling.
type Loader struct {
	dataPath string

	mu       sync.Mutex
	cached   *Config
	fileTime time.Time
	envSig   string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader creates a Loader for the config file under dataPath.
func NewLoader(dataPath string) *Loader {
	return &Loader{dataPath: dataPath, done: make(chan struct{})}
}

// Get returns the resolved configuration, reloading when the cache key no
// longer matches the on-disk file and environment.
func (l *Loader) Get() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()

	mtime := l.currentMtime()
	sig := envSignature(os.Environ())
	if l.cached != nil && mtime.Equal(l.fileTime) && sig == l.envSig {
		return l.cached
	}

	l.cached = Load(l.dataPath)
	l.fileTime = mtime
	l.envSig = sig
	return l.cached
}

// Invalidate drops the cached configuration so the next Get reloads.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cached = nil
}

// Watch starts an fsnotify watcher on the data directory that invalidates
// the cache when config.json changes. Safe to call when the directory does
// not yet exist; watching is then skipped.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(l.dataPath); err != nil {
		_ = w.Close()
		return err
	}
	l.watcher = w

	go func() {
		defer close(l.done)
		for {
			select {
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				if evt.Name == FilePath(l.dataPath) && evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) != 0 {
					l.Invalidate()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("WARNING: config: watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Stop shuts down the watcher, if one was started.
func (l *Loader) Stop() {
	if l.watcher != nil {
		_ = l.watcher.Close()
		<-l.done
	}
}

func (l *Loader) currentMtime() time.Time {
	info, err := os.Stat(FilePath(l.dataPath))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
