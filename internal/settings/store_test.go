package settings

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/process-runner/internal/process"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runners"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestLoad_CreatesIndex(t *testing.T) {
	s := openTestStore(t)

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded {
		t.Error("Load() on a fresh root should report not loaded")
	}
	if _, err := os.Stat(filepath.Join(s.Root(), IndexFileName)); err != nil {
		t.Fatalf("index not written: %v", err)
	}

	loaded, err = s.Load()
	if err != nil || !loaded {
		t.Errorf("second Load() = (%v, %v), want (true, nil)", loaded, err)
	}
}

func TestLoad_CorruptIndexIsReset(t *testing.T) {
	s := openTestStore(t)
	path := filepath.Join(s.Root(), IndexFileName)
	if err := os.WriteFile(path, []byte("runners: [not: a: map"), 0600); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded {
		t.Error("corrupt index should report not loaded")
	}
	configs, err := s.List()
	if err != nil || len(configs) != 0 {
		t.Errorf("List() = (%v, %v), want empty", configs, err)
	}
}

func TestAdd(t *testing.T) {
	s := openTestStore(t)
	cfg := NewRunnerConfig("Game-Server", "/opt/game/server", "--port", "25565")

	added, err := s.Add(cfg)
	if err != nil || !added {
		t.Fatalf("Add() = (%v, %v), want (true, nil)", added, err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "game-server.config")); err != nil {
		t.Errorf("config file not written: %v", err)
	}

	// Names are case-insensitive; the second add is refused without writing.
	dup := NewRunnerConfig("GAME-SERVER", "/other")
	added, err = s.Add(dup)
	if err != nil || added {
		t.Fatalf("duplicate Add() = (%v, %v), want (false, nil)", added, err)
	}

	got, err := s.Get("game-server")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Executable != "/opt/game/server" || got.Name != "Game-Server" {
		t.Errorf("Get() = %+v, original should be kept", got)
	}
	if len(got.Args) != 2 || got.Args[1] != "25565" {
		t.Errorf("Args = %v", got.Args)
	}
}

func TestAdd_Invalid(t *testing.T) {
	s := openTestStore(t)

	tests := []struct {
		name string
		cfg  RunnerConfig
		want error
	}{
		{"empty name", NewRunnerConfig("", "/bin/true"), ErrInvalidName},
		{"reserved", NewRunnerConfig("Global", "/bin/true"), ErrInvalidName},
		{"path separator", NewRunnerConfig("../escape", "/bin/true"), ErrInvalidName},
		{"hidden", NewRunnerConfig(".lock", "/bin/true"), ErrInvalidName},
		{"no executable", NewRunnerConfig("a", ""), process.ErrInvalidSpec},
		{"bad encoding", func() RunnerConfig {
			c := NewRunnerConfig("a", "/bin/true")
			c.Encoding = "no-such-charset"
			return c
		}(), process.ErrInvalidSpec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			added, err := s.Add(tt.cfg)
			if added || !errors.Is(err, tt.want) {
				t.Errorf("Add() = (%v, %v), want error %v", added, err, tt.want)
			}
		})
	}

	t.Run("bad time of day", func(t *testing.T) {
		c := NewRunnerConfig("a", "/bin/true")
		c.Restart.DailyAt = "25:99"
		if _, err := s.Add(c); err == nil {
			t.Error("Add() expected error for invalid daily_at")
		}
	})
}

func TestSaveGetRemove(t *testing.T) {
	s := openTestStore(t)
	cfg := NewRunnerConfig("worker", "/usr/bin/worker")
	cfg.GracefulTimeout = 30 * time.Second
	cfg.Encoding = "windows-1252"
	cfg.Restart.Scheduled = true
	cfg.Restart.DailyAt = "03:30"

	if err := s.Save(cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	cfg.Active = false
	if err := s.Save(cfg); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	got, err := s.Get("WORKER")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Active || got.GracefulTimeout != 30*time.Second || got.Encoding != "windows-1252" {
		t.Errorf("Get() = %+v", got)
	}
	if got.Restart != cfg.Restart {
		t.Errorf("Restart = %+v, want %+v", got.Restart, cfg.Restart)
	}

	if err := s.Remove("Worker"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := s.Get("worker"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Remove = %v, want ErrNotFound", err)
	}
	if err := s.Remove("worker"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove() = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "worker.config")); !os.IsNotExist(err) {
		t.Error("config file should be removed")
	}
}

func TestList(t *testing.T) {
	s := openTestStore(t)
	for _, name := range []string{"charlie", "Alpha", "bravo"} {
		if _, err := s.Add(NewRunnerConfig(name, "/bin/"+strings.ToLower(name))); err != nil {
			t.Fatal(err)
		}
	}

	configs, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var names []string
	for _, c := range configs {
		names = append(names, c.Name)
	}
	if strings.Join(names, ",") != "Alpha,bravo,charlie" {
		t.Errorf("List() names = %v", names)
	}

	// A corrupt entry is reported but does not hide the others.
	if err := os.WriteFile(filepath.Join(s.Root(), "bravo.config"), []byte("name: [broken"), 0600); err != nil {
		t.Fatal(err)
	}
	configs, err = s.List()
	if err == nil {
		t.Error("List() expected error for corrupt entry")
	}
	if len(configs) != 2 {
		t.Errorf("List() returned %d configs, want 2", len(configs))
	}
}

func TestStoresShareDisk(t *testing.T) {
	root := filepath.Join(t.TempDir(), "shared")
	a, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.Add(NewRunnerConfig("one", "/bin/one")); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Get("one"); err != nil {
		t.Errorf("second store should see runner added by the first: %v", err)
	}
}

func TestConcurrentAdd(t *testing.T) {
	s := openTestStore(t)

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			added, err := s.Add(NewRunnerConfig("race", "/bin/race"))
			if err != nil {
				t.Errorf("Add() error = %v", err)
			}
			results <- added
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for added := range results {
		if added {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("%d concurrent adds succeeded, want exactly 1", wins)
	}
}

func TestOpen_EmptyRoot(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Error("Open(\"\") expected error")
	}
}
