package config

import (
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	fsync "filesyncd/internal/sync"
)

// syncFile is the layout of a `configs apply` document.
type syncFile struct {
	Configs []yaml.Node `yaml:"configs"`
}

// LoadSyncConfigs reads sync configurations from a YAML file of the form
//
//	configs:
//	  - name: photos
//	    source_path: ~/Pictures
//	    target_type: s3
//	    ...
//
// Omitted is_active and preserve_timestamps default to true. Every entry is
// normalized and validated; all problems are reported together.
func LoadSyncConfigs(path string) ([]*fsync.SyncConfig, error) {
	path, err := homedirExpand(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc syncFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var (
		out  []*fsync.SyncConfig
		errs []error
		seen = make(map[string]bool)
	)
	for i := range doc.Configs {
		c := &fsync.SyncConfig{IsActive: true, PreserveTimestamps: true}
		if err := doc.Configs[i].Decode(c); err != nil {
			errs = append(errs, fmt.Errorf("configs[%d]: %w", i, err))
			continue
		}
		c.Normalize()
		if c.SourcePath, err = homedirExpand(c.SourcePath); err != nil {
			errs = append(errs, fmt.Errorf("configs[%d]: expand source_path: %w", i, err))
			continue
		}
		if err := c.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("configs[%d] %q: %w", i, c.Name, err))
			continue
		}
		if seen[c.Name] {
			errs = append(errs, fmt.Errorf("configs[%d]: duplicate name %q", i, c.Name))
			continue
		}
		seen[c.Name] = true
		out = append(out, c)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
