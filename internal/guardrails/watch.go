package guardrails

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the policy file into v whenever it changes, until ctx is
// cancelled. The parent directory is watched because editors usually
// replace files instead of writing them in place. A policy that fails to
// load or compile is logged and the previous policy stays active.
func Watch(ctx context.Context, path string, v *Validator, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to resolve policy path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				reload(abs, v, logger)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("guardrail policy watcher error", "error", err)
			}
		}
	}()
	return nil
}

func reload(path string, v *Validator, logger *slog.Logger) {
	p, err := LoadPolicy(path)
	if err != nil {
		logger.Error("guardrail policy reload failed", "path", path, "error", err)
		return
	}
	if err := v.SetPolicy(p); err != nil {
		logger.Error("guardrail policy rejected", "path", path, "error", err)
		return
	}
	logger.Info("guardrail policy reloaded", "path", path,
		"deny_paths", len(p.DenyPaths), "content_rules", len(p.ContentRules))
}
