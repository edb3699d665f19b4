package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReadModules returns the .rego files directly under dir keyed by file name.
func ReadModules(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy directory: %w", err)
	}
	modules := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".rego") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read policy %s: %w", e.Name(), err)
		}
		modules[e.Name()] = string(data)
	}
	return modules, nil
}

// LoadDir loads the extra modules found in dir.
func (a *Authorizer) LoadDir(ctx context.Context, dir string) error {
	modules, err := ReadModules(dir)
	if err != nil {
		return err
	}
	if err := a.Load(ctx, modules); err != nil {
		return err
	}
	a.logger.WithFields(map[string]interface{}{
		"dir":     dir,
		"modules": len(modules),
	}).Info("job policies loaded")
	return nil
}

// Watch reloads dir whenever a .rego file in it changes, until ctx is done.
// A policy that fails to compile is logged and the previous one kept.
func (a *Authorizer) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}
	go a.processEvents(ctx, watcher, dir)
	return nil
}

func (a *Authorizer) processEvents(ctx context.Context, watcher *fsnotify.Watcher, dir string) {
	defer watcher.Close()

	var reloadTimer *time.Timer
	reloadDelay := 200 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			a.logger.WithFields(map[string]interface{}{
				"file": event.Name,
				"op":   event.Op.String(),
			}).Debug("policy file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := a.LoadDir(ctx, dir); err != nil {
					a.logger.WithError(err).Error("failed to reload job policies")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.logger.WithError(err).Warn("watcher error")
		}
	}
}
