package host

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/HyphaGroup/agentbridge/internal/logger"
)

// FileChange is the kind of a file system event
type FileChange string

const (
	FileCreated FileChange = "create"
	FileChanged FileChange = "change"
	FileDeleted FileChange = "delete"
)

// FileEvent is one matched change under the workspace
type FileEvent struct {
	Change FileChange
	Uri    Uri
}

// skipDirs are never watched; they churn and extensions do not care
var skipDirs = map[string]struct{}{
	".git": {}, "node_modules": {}, ".agentbridge": {},
}

// FileSystemWatcher reports changes to workspace files matching a glob.
// fsnotify is not recursive, so every directory below the workspace root is
// added individually and new directories are picked up as they appear.
type FileSystemWatcher struct {
	root    string
	pattern string
	w       *fsnotify.Watcher
	events  *EventEmitter[FileEvent]

	once sync.Once
}

// CreateFileSystemWatcher watches the first workspace folder for files
// matching pattern. A pattern starting with **/ matches at any depth;
// otherwise it is matched against the workspace-relative slash path.
func (h *Host) CreateFileSystemWatcher(pattern string) (*FileSystemWatcher, error) {
	if h.Disposed() {
		return nil, ErrHostDisposed
	}
	if !h.Supports(APIFileSystemWatcher) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAPI, APIFileSystemWatcher)
	}
	if h.opts.WorkspaceDir == "" {
		return nil, errors.New("no workspace folder to watch")
	}
	if _, err := path.Match(strings.TrimPrefix(pattern, "**/"), ""); err != nil {
		return nil, fmt.Errorf("invalid watch pattern %q: %w", pattern, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	fw := &FileSystemWatcher{
		root:    h.opts.WorkspaceDir,
		pattern: pattern,
		w:       w,
		events:  NewEventEmitter[FileEvent](),
	}
	if err := fw.addTree(fw.root, false); err != nil {
		_ = w.Close()
		return nil, err
	}
	go fw.loop()
	h.Track(fw)
	return fw, nil
}

// OnDidChange subscribes to matched events
func (fw *FileSystemWatcher) OnDidChange(fn func(FileEvent)) Disposable {
	return fw.events.Event(fn)
}

// Dispose stops watching. It is safe to call from a listener; events
// already in flight are dropped.
func (fw *FileSystemWatcher) Dispose() {
	fw.once.Do(func() {
		fw.events.Dispose()
		_ = fw.w.Close()
	})
}

// addTree watches dir and every directory below it. With report set, files
// already present are fired as created: they may have been written before
// the directory was watched.
func (fw *FileSystemWatcher) addTree(dir string, report bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// directories can vanish between the event and the walk
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			if report && fw.matches(p) {
				fw.events.Fire(FileEvent{Change: FileCreated, Uri: FileUri(p)})
			}
			return nil
		}
		if _, skip := skipDirs[d.Name()]; skip && p != fw.root {
			return filepath.SkipDir
		}
		if err := fw.w.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		return nil
	})
}

func (fw *FileSystemWatcher) loop() {
	for {
		select {
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			fw.handle(ev)
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			logger.Warn("File watcher error: %v", err)
		}
	}
}

func (fw *FileSystemWatcher) handle(ev fsnotify.Event) {
	var change FileChange
	switch {
	case ev.Has(fsnotify.Create):
		change = FileCreated
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if _, skip := skipDirs[info.Name()]; !skip {
				if err := fw.addTree(ev.Name, true); err != nil {
					logger.Warn("File watcher: %v", err)
				}
			}
			return
		}
	case ev.Has(fsnotify.Write):
		change = FileChanged
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		change = FileDeleted
	default:
		return // chmod
	}
	if fw.matches(ev.Name) {
		fw.events.Fire(FileEvent{Change: change, Uri: FileUri(ev.Name)})
	}
}

// matches reports whether the absolute path p matches the watcher's glob
func (fw *FileSystemWatcher) matches(p string) bool {
	rel, err := filepath.Rel(fw.root, p)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if suffix, ok := strings.CutPrefix(fw.pattern, "**/"); ok {
		// try every tail of the path
		for {
			if m, _ := path.Match(suffix, rel); m {
				return true
			}
			i := strings.IndexByte(rel, '/')
			if i < 0 {
				return false
			}
			rel = rel[i+1:]
		}
	}
	m, _ := path.Match(fw.pattern, rel)
	return m
}
