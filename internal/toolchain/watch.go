package toolchain

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// Schedule invalidates the toolchain on a cron schedule (e.g. "@every 6h"),
// so sources that track a moving "latest" build are picked up. The caller
// stops the returned cron.
func (r *Resolver) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		r.logger.Info("scheduled toolchain refresh")
		r.Invalidate()
	}); err != nil {
		return nil, fmt.Errorf("parsing refresh schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}

// Watch invalidates the toolchain whenever a local source file changes. It
// returns once the watcher is running; the watcher stops with ctx. Sources
// that are not local files are ignored.
func (r *Resolver) Watch(ctx context.Context) error {
	watched := make(map[string]bool)
	for _, src := range []Source{r.compiler, r.stdlib} {
		if fs, ok := src.(*FileSource); ok {
			abs, err := filepath.Abs(fs.Path)
			if err != nil {
				return fmt.Errorf("resolving %s: %w", fs.Path, err)
			}
			watched[abs] = true
		}
	}
	if len(watched) == 0 {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating toolchain watcher: %w", err)
	}
	// Watch parent directories so atomic replaces (write + rename) are seen.
	dirs := make(map[string]bool)
	for path := range watched {
		dir := filepath.Dir(path)
		if dirs[dir] {
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		dirs[dir] = true
	}

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !watched[filepath.Clean(ev.Name)] {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
					r.logger.Info("toolchain source changed", "path", ev.Name, "op", ev.Op.String())
					r.Invalidate()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn("toolchain watcher error", "error", err)
			}
		}
	}()
	return nil
}
