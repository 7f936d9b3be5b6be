package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Credentials locate and authenticate the work-tracking service. They can be
// supplied in a YAML file so a rotated webhook takes effect without a restart:
//
//	base_url: https://corp.bitrix24.ru
//	webhook_path: /rest/356/abcdef/
type Credentials struct {
	BaseURL     string `yaml:"base_url"`
	WebhookPath string `yaml:"webhook_path"`
}

// LoadCredentials reads and normalizes a credentials file.
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("reading credentials: %w", err)
	}
	var c Credentials
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("parsing credentials %s: %w", path, err)
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.WebhookPath = NormalizeWebhookPath(c.WebhookPath)
	if c.BaseURL == "" {
		return Credentials{}, fmt.Errorf("credentials %s: base_url is required", path)
	}
	return c, nil
}

// Apply overrides the env-provided service address with c.
func (cfg *Config) Apply(c Credentials) {
	cfg.WorkAPIBaseURL = c.BaseURL
	cfg.WorkAPIWebhookPath = c.WebhookPath
}

// CredentialsWatcher reloads a credentials file when it changes on disk.
// The parent directory is watched so atomic renames and Kubernetes secret
// symlink swaps are seen.
type CredentialsWatcher struct {
	path     string
	onChange func(Credentials)
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	current Credentials
	timer   *time.Timer
}

// NewCredentialsWatcher starts watching path. initial is the already-loaded
// value; onChange runs only when the file parses to something different.
func NewCredentialsWatcher(path string, initial Credentials, onChange func(Credentials), logger *slog.Logger) (*CredentialsWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}
	return &CredentialsWatcher{
		path:     path,
		onChange: onChange,
		debounce: 200 * time.Millisecond,
		logger:   logger,
		watcher:  w,
		current:  initial,
	}, nil
}

// Run processes file events until ctx is canceled.
func (w *CredentialsWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.relevant(event) {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("credentials watcher error", "error", err)
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil
		}
	}
}

func (w *CredentialsWatcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	// Kubernetes secret volumes swap a "..data" symlink.
	return name == w.path || filepath.Base(name) == "..data"
}

// schedule coalesces bursts of events into one reload.
func (w *CredentialsWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *CredentialsWatcher) reload() {
	c, err := LoadCredentials(w.path)
	if err != nil {
		w.logger.Warn("ignoring unreadable credentials file", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	changed := c != w.current
	w.current = c
	w.mu.Unlock()
	if !changed {
		return
	}
	w.logger.Info("credentials file changed", "path", w.path, "base_url", c.BaseURL)
	w.onChange(c)
}
