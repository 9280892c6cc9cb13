package mcp

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/loopline/agentd/internal/logging"
	"github.com/loopline/agentd/internal/store"
)

// debounce absorbs editor write bursts before a reload.
const reloadDebounce = 500 * time.Millisecond

// WatchSettings reloads mcp_settings.json on change: the file is re-parsed,
// server rows are upserted and the registry reconfigured. The watch runs
// until ctx is done. Parse failures keep the previous configuration.
func WatchSettings(ctx context.Context, path string, st *store.Store, registry *Registry) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// watch the directory: editors often replace the file, dropping inode
	// level watches
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var pending *time.Timer
		reload := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(reloadDebounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})

			case <-reload:
				applySettings(ctx, path, st, registry)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				L_warn("mcp: settings watcher error", "error", err)
			}
		}
	}()
	return nil
}

func applySettings(ctx context.Context, path string, st *store.Store, registry *Registry) {
	settings, err := LoadSettings(path)
	if err != nil {
		L_warn("mcp: settings reload failed, keeping previous config", "path", path, "error", err)
		return
	}

	rows, err := st.EnsureServersExist(ctx, settings.ToStoreServers())
	if err != nil {
		L_error("mcp: persisting reloaded servers failed", "error", err)
		return
	}

	registry.Configure(rows)
	registry.ConnectAll(ctx)
	registry.RefreshTools(ctx)
	L_info("mcp: settings reloaded", "path", path, "servers", len(rows))
}
