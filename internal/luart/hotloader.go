package luart

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zot/context-engine/internal/config"
)

// HotLoader watches the script directory for changes and re-runs modified
// modules on the runtime's loop.
type HotLoader struct {
	config    *config.Config
	scriptDir string
	watcher   *fsnotify.Watcher
	runtime   *Runtime

	// Debouncing: editors write files in bursts.
	pendingReloads map[string]time.Time
	debounceMu     sync.Mutex
	debounceDelay  time.Duration

	done chan struct{}
}

// NewHotLoader creates a hot loader for the runtime's script directory.
func NewHotLoader(cfg *config.Config, scriptDir string, runtime *Runtime) (*HotLoader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	h := &HotLoader{
		config:         cfg,
		scriptDir:      scriptDir,
		watcher:        watcher,
		runtime:        runtime,
		pendingReloads: make(map[string]time.Time),
		debounceDelay:  100 * time.Millisecond,
		done:           make(chan struct{}),
	}

	return h, nil
}

// Start begins watching for file changes.
func (h *HotLoader) Start() error {
	if err := h.watcher.Add(h.scriptDir); err != nil {
		return err
	}

	go h.eventLoop()
	go h.debounceLoop()

	h.config.Log(1, "HotLoader: watching %s for changes", h.scriptDir)
	return nil
}

// Stop stops the hot loader.
func (h *HotLoader) Stop() error {
	close(h.done)
	return h.watcher.Close()
}

// eventLoop processes file system events.
func (h *HotLoader) eventLoop() {
	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			h.handleEvent(event)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.config.Log(1, "HotLoader: watcher error: %v", err)
		}
	}
}

// handleEvent queues reloads for write events on .lua files.
func (h *HotLoader) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".lua") {
		return
	}

	h.config.Log(3, "HotLoader: event %s on %s", event.Op, event.Name)

	if event.Op&fsnotify.Write != 0 || event.Op&fsnotify.Create != 0 {
		h.debounceMu.Lock()
		h.pendingReloads[event.Name] = time.Now()
		h.debounceMu.Unlock()
	}
}

// debounceLoop processes pending reloads after the debounce delay.
func (h *HotLoader) debounceLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.processPendingReloads()
		}
	}
}

// processPendingReloads reloads files pending longer than the debounce
// delay.
func (h *HotLoader) processPendingReloads() {
	h.debounceMu.Lock()
	now := time.Now()
	var toReload []string
	for path, queuedAt := range h.pendingReloads {
		if now.Sub(queuedAt) >= h.debounceDelay {
			toReload = append(toReload, path)
			delete(h.pendingReloads, path)
		}
	}
	h.debounceMu.Unlock()

	for _, path := range toReload {
		h.reload(path)
	}
}

// reload invalidates the module and re-runs it on the loop. A failing
// reload leaves the previously loaded module in effect.
func (h *HotLoader) reload(path string) {
	modName := h.moduleName(path)
	if modName == "" {
		return
	}
	h.config.Log(1, "HotLoader: reloading %s", modName)
	h.runtime.Invalidate(modName)
	if _, err := h.runtime.Eval(`require("` + modName + `")`); err != nil {
		h.config.Log(0, "HotLoader: reload of %s failed: %v", modName, err)
	}
}

// moduleName converts a watched file path back to a require() module name.
func (h *HotLoader) moduleName(path string) string {
	rel, err := filepath.Rel(h.scriptDir, path)
	if err != nil {
		return ""
	}
	rel = strings.TrimSuffix(rel, ".lua")
	return strings.ReplaceAll(rel, string(filepath.Separator), ".")
}
