package rules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/formsync/internal/fieldgraph"
)

func isPackFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// LoadDir parses every *.yaml / *.yml pack in dir, grouped by form.
// Files are read in name order so later files append after earlier ones.
func LoadDir(dir string) (map[string][]fieldgraph.Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("rules: read dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isPackFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make(map[string][]fieldgraph.Rule)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("rules: read %s: %w", name, err)
		}
		form, rules, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("rules: %s: %w", name, err)
		}
		out[form] = append(out[form], rules...)
	}
	return out, nil
}

// ReloadFunc receives the freshly loaded packs.
type ReloadFunc func(map[string][]fieldgraph.Rule) error

// Watch reloads dir whenever a pack file changes, until ctx is cancelled.
// Bursts of events are coalesced into one reload.
func Watch(ctx context.Context, dir string, logger *slog.Logger, onReload ReloadFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("rules: watch %s: %w", dir, err)
	}
	logger.Info("rules: watcher started", slog.String("dir", dir))

	var reloadTimer *time.Timer
	var reloadCh <-chan time.Time
	schedule := func() {
		if reloadTimer == nil {
			reloadTimer = time.NewTimer(200 * time.Millisecond)
			reloadCh = reloadTimer.C
		} else {
			reloadTimer.Reset(200 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			logger.Info("rules: watcher stopped")
			return nil

		case <-reloadCh:
			packs, err := LoadDir(dir)
			if err != nil {
				logger.Warn("rules: reload failed", slog.String("error", err.Error()))
				continue
			}
			if err := onReload(packs); err != nil {
				logger.Warn("rules: reload rejected", slog.String("error", err.Error()))
				continue
			}
			logger.Info("rules: reloaded", slog.Int("forms", len(packs)))

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isPackFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("rules: watcher error", slog.String("error", watchErr.Error()))
		}
	}
}
