package membership

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

const heartbeatSuffix = ".worker"

// DirectoryConfig configures a Directory membership.
type DirectoryConfig struct {
	// Dir is shared by every worker of the cluster.
	Dir      string
	WorkerID string
	// Interval is how often this worker refreshes its heartbeat file.
	Interval time.Duration
	// TTL is how old a heartbeat may get before its worker is considered dead.
	// Defaults to three intervals.
	TTL time.Duration
	// Debounce delays change notifications after filesystem events.
	Debounce time.Duration
	Logger   *telemetry.Logger
}

// Directory is a membership backed by heartbeat files in a shared
// directory. Each worker touches <dir>/<id>.worker every interval; files
// appearing or disappearing are picked up through fsnotify, expired files
// on the next heartbeat tick.
type Directory struct {
	notifier
	cfg    DirectoryConfig
	logger *telemetry.Logger

	mu     sync.Mutex
	last   map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDirectory creates the heartbeat directory if needed.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Dir == "" || cfg.WorkerID == "" {
		return nil, errors.New("membership directory and worker id are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 3 * cfg.Interval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create membership directory: %w", err)
	}
	return &Directory{
		cfg:    cfg,
		logger: cfg.Logger.NewComponentLogger("membership").WithWorker(cfg.WorkerID),
	}, nil
}

// Start writes this worker's heartbeat and begins watching the directory.
func (d *Directory) Start(ctx context.Context) error {
	if err := d.touch(); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(d.cfg.Dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch membership directory: %w", err)
	}
	live, err := d.scan()
	if err != nil {
		_ = watcher.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.last = live
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(ctx, watcher)
	d.logger.WithFields(map[string]interface{}{
		"dir":  d.cfg.Dir,
		"live": len(live),
	}).Info("joined directory membership")
	return nil
}

// Stop ends the heartbeat and removes this worker's file, so that peers
// see it leave at once.
func (d *Directory) Stop() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	if err := os.Remove(d.path(d.cfg.WorkerID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove heartbeat file: %w", err)
	}
	return nil
}

// LiveWorkers implements Membership.
func (d *Directory) LiveWorkers(context.Context) (map[string]struct{}, error) {
	return d.scan()
}

func (d *Directory) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(d.done)
	defer watcher.Close()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := d.touch(); err != nil {
				d.logger.WithError(err).Error("heartbeat failed")
			}
			d.refresh()

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, heartbeatSuffix) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(d.cfg.Debounce, d.refresh)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.WithError(err).Warn("watcher error")
		}
	}
}

// refresh notifies subscribers when the live set differs from the last one seen.
func (d *Directory) refresh() {
	live, err := d.scan()
	if err != nil {
		d.logger.WithError(err).Error("failed to scan membership directory")
		return
	}
	d.mu.Lock()
	changed := !sameSet(d.last, live)
	d.last = live
	d.mu.Unlock()
	if changed {
		d.logger.WithField("live", Names(live)).Info("membership changed")
		d.notify()
	}
}

func (d *Directory) scan() (map[string]struct{}, error) {
	entries, err := os.ReadDir(d.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read membership directory: %w", err)
	}
	cutoff := time.Now().Add(-d.cfg.TTL)
	live := make(map[string]struct{})
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, heartbeatSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		if info.ModTime().Before(cutoff) {
			continue
		}
		live[strings.TrimSuffix(name, heartbeatSuffix)] = struct{}{}
	}
	return live, nil
}

func (d *Directory) touch() error {
	path := d.path(d.cfg.WorkerID)
	now := time.Now()
	err := os.Chtimes(path, now, now)
	if errors.Is(err, os.ErrNotExist) {
		host, _ := os.Hostname()
		err = os.WriteFile(path, []byte(host+"\n"), 0o644)
	}
	if err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

func (d *Directory) path(id string) string {
	return filepath.Join(d.cfg.Dir, id+heartbeatSuffix)
}
