package fs

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDelay is the window in which changes are batched.
const DefaultWatchDelay = 100 * time.Millisecond

// Watch registers every directory below root with fsnotify and reports changed
// keys in batches once no new change arrived for the watch delay. It blocks
// until ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(keys []string)) error {
	return s.watch(ctx, DefaultWatchDelay, onChange)
}

func (s *Store) watch(ctx context.Context, delay time.Duration, onChange func(keys []string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	if err := s.addRecursive(w, s.root); err != nil {
		return err
	}

	pending := make(map[string]struct{})
	timer := time.NewTimer(delay)
	timer.Stop()
	defer timer.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		keys := make([]string, 0, len(pending))
		for k := range pending {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		clear(pending)
		onChange(keys)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".tmp-") || ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = s.addRecursive(w, ev.Name)
				}
			}
			rel, err := filepath.Rel(s.root, ev.Name)
			if err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			pending[filepath.ToSlash(rel)] = struct{}{}
			timer.Reset(delay)
		case <-w.Errors:
			// keep watching; a transient error must not end the loop
		case <-timer.C:
			flush()
		}
	}
}

func (s *Store) addRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != s.root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}
