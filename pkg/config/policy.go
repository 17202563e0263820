package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/audittrail/pkg/audit"
	"github.com/platinummonkey/audittrail/pkg/observability"
)

// PolicyFile is the YAML layout of a classification policy file:
//
//	classifications:
//	  - name: Updated
//	    reuse_window: 5m
//	    intrinsic: [title]
//	  - name: Plugin Activated
//	    creation: true
type PolicyFile struct {
	Classifications []audit.Classification `yaml:"classifications"`
}

// LoadPolicies reads the policy file at path and merges it over the
// built-in classifications. windows replaces the reuse window of built-ins
// by name before the file is applied. Entries in the file replace built-ins
// of the same name. An empty path returns the built-ins.
func LoadPolicies(path string, windows map[string]time.Duration) ([]audit.Classification, error) {
	byName := make(map[string]audit.Classification)
	var order []string
	for _, p := range audit.DefaultClassifications() {
		if w, ok := windows[p.Name]; ok {
			p.ReuseWindow = w
		}
		byName[p.Name] = p
		order = append(order, p.Name)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
		}

		var file PolicyFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
		}

		for i, p := range file.Classifications {
			if p.Name == "" {
				return nil, fmt.Errorf("policy %d in %s has no name", i, path)
			}
			if p.ReuseWindow < 0 {
				return nil, fmt.Errorf("policy %q has a negative reuse window", p.Name)
			}
			if _, ok := byName[p.Name]; !ok {
				order = append(order, p.Name)
			}
			byName[p.Name] = p
		}
	}

	out := make([]audit.Classification, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out, nil
}

// WatchPolicies reloads the policy file into classes whenever it changes,
// until ctx is cancelled. A file that fails to load leaves the current
// policies in place. windows is applied as in LoadPolicies.
//
// The parent directory is watched rather than the file so that editors
// replacing the file by rename are noticed.
func WatchPolicies(ctx context.Context, path string, windows map[string]time.Duration, classes *audit.Classifications, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	logger = logger.WithField("policy_file", path)

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve policy file path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	// Coalesce bursts of events from a single save
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(100 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			policies, err := LoadPolicies(abs, windows)
			if err != nil {
				logger.WithError(err).Warn("Keeping previous classification policies")
				continue
			}
			classes.Replace(policies)
			logger.WithField("count", len(policies)).Info("Reloaded classification policies")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Error("Policy watcher error")
		}
	}
}
