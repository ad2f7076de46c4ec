package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ErrRestartRequired is reported when an edited config file changes a setting
// that is only read at startup. The running configuration is kept.
var ErrRestartRequired = errors.New("config: change requires restart")

// Loader reads a configuration file and, once Watch is called, reloads it
// whenever the file changes. A reload that fails to parse or validate, or
// that touches a startup-only setting, keeps the previous configuration.
type Loader struct {
	path     string
	debounce time.Duration

	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)

	fsw  *fsnotify.Watcher
	done chan struct{}
	once sync.Once
	errs chan error
}

// NewLoader creates a loader for path, or for ConfigPath() when path is empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	return &Loader{
		path:     path,
		debounce: 100 * time.Millisecond,
		done:     make(chan struct{}),
		errs:     make(chan error, 1),
	}
}

func (l *Loader) Path() string { return l.path }

// Load reads the file, applies environment overrides and validates.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) read() (*Config, error) {
	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Config returns the configuration most recently loaded.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers cb to run after each accepted reload.
func (l *Loader) OnChange(cb func(*Config)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, cb)
	l.mu.Unlock()
}

// Errors delivers reload failures. Errors are dropped while one is pending.
func (l *Loader) Errors() <-chan error { return l.errs }

// Watch starts reloading on change. Load must have succeeded first.
func (l *Loader) Watch() error {
	if l.Config() == nil {
		return errors.New("config: Watch before Load")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// editors save by rename, so the directory is watched, not the file
	if err := fsw.Add(filepath.Dir(l.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.fsw = fsw
	go l.loop()
	return nil
}

func (l *Loader) loop() {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	name := filepath.Base(l.path)
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-l.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.debounce, l.reload)
		case err, ok := <-l.fsw.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

func (l *Loader) reload() {
	next, err := l.read()
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	if fields := startupOnlyChanges(l.current, next); len(fields) > 0 {
		l.mu.Unlock()
		l.report(fmt.Errorf("%w: %s", ErrRestartRequired, strings.Join(fields, ", ")))
		return
	}
	l.current = next
	callbacks := append([]func(*Config){}, l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(next)
	}
}

// startupOnlyChanges lists the settings that differ between two configs but
// are only read when the process starts: the stores it has open, the inbox it
// watches, the hash suite its hasher was built with and its log target.
func startupOnlyChanges(prev, next *Config) []string {
	var fields []string
	check := func(name string, a, b any) {
		if a != b {
			fields = append(fields, name)
		}
	}
	check("storage.database_path", prev.Storage.DatabasePath, next.Storage.DatabasePath)
	check("storage.journal_path", prev.Storage.JournalPath, next.Storage.JournalPath)
	check("journal.enabled", prev.Journal.Enabled, next.Journal.Enabled)
	check("journal.secret_file", prev.Journal.SecretFile, next.Journal.SecretFile)
	check("watch.inbox", prev.Watch.Inbox, next.Watch.Inbox)
	check("sealing.hash_suite", prev.Sealing.HashSuite, next.Sealing.HashSuite)
	check("logging.output", prev.Logging.Output, next.Logging.Output)
	check("logging.file_path", prev.Logging.FilePath, next.Logging.FilePath)
	return fields
}

func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// Close stops watching. It is safe to call more than once.
func (l *Loader) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		if l.fsw != nil {
			err = l.fsw.Close()
		}
	})
	return err
}

// LoadOrCreate loads the configuration from path, writing the defaults there
// first if the file does not exist. The boolean reports whether it was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		cfg.ApplyEnvOverrides()
		return cfg, true, nil
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// SaveConfig writes the configuration in the format named by the file
// extension, TOML by default, with owner-only permissions.
func SaveConfig(cfg *Config, path string) error {
	cfg.mu.RLock()
	data, err := encode(cfg, filepath.Ext(path))
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func encode(cfg *Config, ext string) ([]byte, error) {
	switch ext {
	case ".json":
		return json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		buf.WriteString("# forensicseal configuration\n\n")
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}
