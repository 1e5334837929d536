package settings

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/process-runner/internal/process"
)

const (
	// IndexFileName maps runner keys to their config files.
	IndexFileName = "global.config"

	lockFileName = ".lock"

	dirPermissions  = 0750
	filePermissions = 0600

	lockTimeout   = 5 * time.Second
	lockRetryTick = 50 * time.Millisecond
)

// index is the on-disk layout of global.config.
type index struct {
	Runners map[string]string `yaml:"runners"`
}

// Store persists runner configurations under a root directory:
//
//	<root>/global.config        index: lower(name) -> file name
//	<root>/<lower(name)>.config one YAML RunnerConfig per runner
//	<root>/.lock                cross-process lock
//
// Every operation reads from disk, so a CLI adding a runner and a daemon
// listing runners see the same state. Writes are atomic (temp file plus
// rename) and serialised by an flock on <root>/.lock.
type Store struct {
	root string
	lock *flock.Flock

	// mu serialises use of the flock within this process.
	mu sync.Mutex
}

// Open creates the root directory if needed and returns a store over it.
func Open(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("settings root is empty")
	}
	if err := os.MkdirAll(root, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating settings directory: %w", err)
	}
	return &Store{
		root: root,
		lock: flock.New(filepath.Join(root, lockFileName)),
	}, nil
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

// Load reads the index. A missing or unreadable index is replaced with an
// empty one and Load reports false; true means an existing index was read.
func (s *Store) Load() (bool, error) {
	var loaded bool
	err := s.withLock(true, func() error {
		_, err := s.readIndex()
		if err == nil {
			loaded = true
			return nil
		}
		return s.writeIndex(index{Runners: map[string]string{}})
	})
	return loaded, err
}

// Add registers cfg if no runner with the same case-insensitive name exists.
// It returns false, without writing anything, when the name is taken.
func (s *Store) Add(cfg RunnerConfig) (bool, error) {
	if err := cfg.Validate(); err != nil {
		return false, err
	}

	var added bool
	err := s.withLock(true, func() error {
		idx := s.readIndexOrEmpty()
		if _, exists := idx.Runners[cfg.Key()]; exists {
			return nil
		}
		if err := s.writeRunner(cfg); err != nil {
			return err
		}
		idx.Runners[cfg.Key()] = cfg.FileName()
		if err := s.writeIndex(idx); err != nil {
			return err
		}
		added = true
		return nil
	})
	return added, err
}

// Save writes cfg, registering it in the index if it is new.
func (s *Store) Save(cfg RunnerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.withLock(true, func() error {
		if err := s.writeRunner(cfg); err != nil {
			return err
		}
		idx := s.readIndexOrEmpty()
		if idx.Runners[cfg.Key()] == cfg.FileName() {
			return nil
		}
		idx.Runners[cfg.Key()] = cfg.FileName()
		return s.writeIndex(idx)
	})
}

// Get returns the configuration for name (case-insensitive).
func (s *Store) Get(name string) (RunnerConfig, error) {
	var cfg RunnerConfig
	err := s.withLock(false, func() error {
		idx := s.readIndexOrEmpty()
		file, ok := idx.Runners[process.NormaliseID(name)]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		var err error
		cfg, err = s.readRunner(file)
		return err
	})
	return cfg, err
}

// List returns every registered configuration sorted by key.
// Entries whose file is missing or corrupt are skipped and reported in the
// joined error alongside the configurations that did load.
func (s *Store) List() ([]RunnerConfig, error) {
	var (
		configs []RunnerConfig
		errs    []error
	)
	err := s.withLock(false, func() error {
		idx := s.readIndexOrEmpty()
		keys := make([]string, 0, len(idx.Runners))
		for k := range idx.Runners {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			cfg, err := s.readRunner(idx.Runners[k])
			if err != nil {
				errs = append(errs, fmt.Errorf("runner %s: %w", k, err))
				continue
			}
			configs = append(configs, cfg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return configs, errors.Join(errs...)
}

// Remove deletes the runner's config file and index entry.
func (s *Store) Remove(name string) error {
	key := process.NormaliseID(name)
	return s.withLock(true, func() error {
		idx := s.readIndexOrEmpty()
		file, ok := idx.Runners[key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		delete(idx.Runners, key)
		if err := s.writeIndex(idx); err != nil {
			return err
		}
		if err := os.Remove(filepath.Join(s.root, file)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", file, err)
		}
		return nil
	})
}

// withLock runs fn holding the in-process mutex and the file lock,
// exclusive for writers and shared for readers.
func (s *Store) withLock(exclusive bool, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = s.lock.TryLockContext(ctx, lockRetryTick)
	} else {
		locked, err = s.lock.TryRLockContext(ctx, lockRetryTick)
	}
	if err != nil || !locked {
		return fmt.Errorf("%w: %s: %v", ErrLocked, s.lock.Path(), err)
	}
	defer func() { _ = s.lock.Unlock() }()

	return fn()
}

func (s *Store) readIndex() (index, error) {
	data, err := os.ReadFile(filepath.Join(s.root, IndexFileName))
	if err != nil {
		return index{}, err
	}
	var idx index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return index{}, fmt.Errorf("parsing %s: %w", IndexFileName, err)
	}
	if idx.Runners == nil {
		idx.Runners = map[string]string{}
	}
	return idx, nil
}

// readIndexOrEmpty treats a missing or corrupt index as empty.
func (s *Store) readIndexOrEmpty() index {
	idx, err := s.readIndex()
	if err != nil {
		return index{Runners: map[string]string{}}
	}
	return idx
}

func (s *Store) writeIndex(idx index) error {
	data, err := yaml.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	return s.writeFile(IndexFileName, data)
}

func (s *Store) readRunner(file string) (RunnerConfig, error) {
	data, err := os.ReadFile(filepath.Join(s.root, file))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return RunnerConfig{}, fmt.Errorf("%w: %s is missing", ErrNotFound, file)
		}
		return RunnerConfig{}, fmt.Errorf("reading %s: %w", file, err)
	}
	var cfg RunnerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RunnerConfig{}, fmt.Errorf("parsing %s: %w", file, err)
	}
	return cfg, nil
}

func (s *Store) writeRunner(cfg RunnerConfig) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding runner %s: %w", cfg.Name, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding runner %s: %w", cfg.Name, err)
	}
	return s.writeFile(cfg.FileName(), buf.Bytes())
}

// writeFile atomically replaces <root>/name with data.
func (s *Store) writeFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.root, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", name, err)
	}
	if err := os.Chmod(tmpPath, filePermissions); err != nil {
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.root, name)); err != nil {
		return fmt.Errorf("replacing %s: %w", name, err)
	}
	return nil
}
