package adapter

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/srediag/plugin-host/api"
	"github.com/srediag/plugin-host/pkg/lifecycle"
)

// ManifestWatcher watches a manifest directory and drives hot-reload on
// changes: an edited manifest reloads its plugin, a new manifest loads
// it. Reload attempts are retried with backoff because a manifest may be
// observed mid-write.
type ManifestWatcher struct {
	watcher *fsnotify.Watcher
	admin   api.Admin
	log     *zap.Logger
	retry   backoff.BackOff
}

// NewManifestWatcher starts watching dir. Call Run to process events.
func NewManifestWatcher(dir string, admin api.Admin, log *zap.Logger) (*ManifestWatcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second
	return &ManifestWatcher{
		watcher: watcher,
		admin:   admin,
		log:     log.Named("manifest-watcher"),
		retry:   policy,
	}, nil
}

// Close stops the underlying filesystem watcher.
func (w *ManifestWatcher) Close() error {
	return w.watcher.Close()
}

// Run processes filesystem events until ctx is cancelled or the watcher
// closes. It blocks; run it on its own goroutine.
func (w *ManifestWatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			name, ok := pluginNameFromPath(ev.Name)
			if !ok {
				continue
			}
			w.apply(ctx, name)
		}
	}
}

func pluginNameFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(base))
	if ext != ".yaml" && ext != ".yml" {
		return "", false
	}
	return strings.TrimSuffix(base, filepath.Ext(base)), true
}

// apply reloads the named plugin, falling back to a fresh load when the
// controller has never seen it.
func (w *ManifestWatcher) apply(ctx context.Context, name string) {
	b := backoff.WithContext(w.retry, ctx)
	b.Reset()
	op := func() error {
		err := w.admin.ReloadPlugin(ctx, name)
		var unknown *lifecycle.UnknownPluginError
		if errors.As(err, &unknown) {
			err = w.admin.LoadPlugin(ctx, name)
		}
		var failure *lifecycle.InitializationFailure
		if errors.As(err, &failure) {
			// The plugin itself is broken; retrying the manifest read
			// will not help.
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, b); err != nil {
		w.log.Error("manifest change not applied",
			zap.String("plugin", name), zap.Error(err))
		return
	}
	w.log.Info("manifest change applied", zap.String("plugin", name))
}
