// Package settings persists runner configurations.
//
// A Store is rooted at an explicit directory (settings.root in the daemon
// config). Each runner is one YAML file named after its lower-cased name;
// global.config indexes them. Names are case-insensitive: "Game-Server" and
// "game-server" are the same runner.
//
//	store, err := settings.Open(cfg.Settings.Root)
//	if err != nil {
//	    return err
//	}
//	added, err := store.Add(settings.NewRunnerConfig("game-server", "/opt/game/server"))
//
// RunnerConfig.Spec and RunnerConfig.RestartConfig convert a stored record
// into the types an engine is built from.
package settings
