// Package wsconfig resolves per-workspace settings — default engine,
// developer instructions, and per-engine home directory overrides — from
// a JSONC settings file plus environment secrets, with hot reload on
// change and the engine-home resolution rules from §6 (env var
// precedence, worktree parent consultation, ~/$VAR/%VAR% expansion).
package wsconfig

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"

	"github.com/lattice-run/enginehost"
)

// SettingsFileName is the workspace-relative path to the settings file,
// read as JSONC (JSON with // and /* */ comments permitted).
const SettingsFileName = ".enginehost/settings.json"

// EnvFileName is the workspace-relative path to an optional dotenv file
// holding secrets (API keys, auth tokens) that should not live in the
// JSONC settings file.
const EnvFileName = ".enginehost/.env"

// Settings is one workspace's persisted configuration.
type Settings struct {
	DefaultEngine         enginehost.EngineType            `mapstructure:"default_engine" json:"default_engine,omitempty"`
	DeveloperInstructions string                            `mapstructure:"developer_instructions" json:"developer_instructions,omitempty"`
	EngineHome            map[enginehost.EngineType]string `mapstructure:"engine_home" json:"engine_home,omitempty"`

	// IsWorktree marks this workspace as a worktree of Parent; engine-home
	// resolution for worktrees also consults the parent's EngineHome
	// override when this workspace has none of its own.
	IsWorktree bool   `mapstructure:"-" json:"-"`
	ParentPath string `mapstructure:"-" json:"-"`
}

// engineHomeEnvVar names the environment variable that takes precedence
// over every other engine-home source, per engine.
var engineHomeEnvVar = map[enginehost.EngineType]string{
	enginehost.EngineClaude:   "CLAUDE_HOME",
	enginehost.EngineCodex:    "CODEX_HOME",
	enginehost.EngineGemini:   "GEMINI_HOME",
	enginehost.EngineOpencode: "OPENCODE_HOME",
}

// Load reads workspacePath's settings file (if present) and its dotenv
// secrets file (if present), layering file values over viper's built-in
// defaults. A missing settings or env file is not an error: Load returns
// the defaults. Secrets are returned separately from Settings so they
// never get marshaled back out with the rest of the config.
func Load(workspacePath string) (Settings, map[string]string, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetDefault("default_engine", string(enginehost.DefaultEngineType))
	v.SetDefault("developer_instructions", "")
	v.SetDefault("engine_home", map[string]string{})

	settingsPath := filepath.Join(workspacePath, SettingsFileName)
	if raw, err := os.ReadFile(settingsPath); err == nil {
		stripped := jsonc.ToJSON(raw)
		if err := v.ReadConfig(strings.NewReader(string(stripped))); err != nil {
			return Settings{}, nil, enginehost.NewHostError(enginehost.KindValidation, "parse workspace settings", err)
		}
	} else if !os.IsNotExist(err) {
		return Settings{}, nil, enginehost.NewHostError(enginehost.KindValidation, "read workspace settings", err)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, nil, enginehost.NewHostError(enginehost.KindValidation, "unmarshal workspace settings", err)
	}
	if s.EngineHome == nil {
		s.EngineHome = make(map[enginehost.EngineType]string)
	}

	secrets, err := loadSecrets(filepath.Join(workspacePath, EnvFileName))
	if err != nil {
		return Settings{}, nil, err
	}

	return s, secrets, nil
}

// loadSecrets parses a dotenv file into a map without mutating the
// process environment; callers decide whether/how to merge it into a
// child process's env (see spawner.MergeEnv).
func loadSecrets(path string) (map[string]string, error) {
	m, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, enginehost.NewHostError(enginehost.KindValidation, "read workspace .env", err)
	}
	return m, nil
}

// Watcher reloads a workspace's Settings whenever its settings file
// changes on disk, delivering the new value to OnChange. Errors from
// individual reloads are reported through OnError rather than stopping
// the watch loop, since a transient parse failure (e.g. a half-written
// save) should not abandon future reloads.
type Watcher struct {
	workspacePath string
	fsw           *fsnotify.Watcher

	mu       sync.Mutex
	OnChange func(Settings)
	OnError  func(error)

	done chan struct{}
}

// NewWatcher starts watching workspacePath's settings file for changes.
// The directory (not the file) is watched, since editors commonly
// replace the file via rename-on-save rather than an in-place write.
func NewWatcher(workspacePath string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, enginehost.NewHostError(enginehost.KindSpawnIO, "create settings watcher", err)
	}
	dir := filepath.Dir(filepath.Join(workspacePath, SettingsFileName))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = fsw.Close()
		return nil, enginehost.NewHostError(enginehost.KindSpawnIO, "create settings dir", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, enginehost.NewHostError(enginehost.KindSpawnIO, "watch settings dir", err)
	}

	w := &Watcher{workspacePath: workspacePath, fsw: fsw, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	target := filepath.Join(w.workspacePath, SettingsFileName)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(target) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s, _, err := Load(w.workspacePath)
			w.mu.Lock()
			onChange, onError := w.OnChange, w.OnError
			w.mu.Unlock()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onChange != nil {
				onChange(s)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.mu.Lock()
			onError := w.OnError
			w.mu.Unlock()
			if onError != nil {
				onError(err)
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

// ResolveEngineHome implements §6's engine-home resolution order:
//  1. The engine's env var override (CODEX_HOME, CLAUDE_HOME, ...) wins
//     unconditionally.
//  2. The workspace's own EngineHome setting, resolved against
//     workspacePath if relative.
//  3. For a worktree workspace with no override of its own, the parent
//     workspace's EngineHome setting, resolved against the PARENT's path.
//  4. The default: "<userHome>/.<engine>".
//
// Every candidate path has ~, $VAR, ${VAR}, and %VAR% tokens expanded
// before being returned.
func ResolveEngineHome(engine enginehost.EngineType, workspacePath string, settings Settings, parent *Settings, parentPath string) string {
	if envVar, ok := engineHomeEnvVar[engine]; ok {
		if v := os.Getenv(envVar); v != "" {
			return expandPath(v, workspacePath)
		}
	}

	if override, ok := settings.EngineHome[engine]; ok && override != "" {
		return resolveAgainst(override, workspacePath)
	}

	if settings.IsWorktree && parent != nil {
		if override, ok := parent.EngineHome[engine]; ok && override != "" {
			return resolveAgainst(override, parentPath)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, "."+string(engine))
}

// resolveAgainst expands env tokens in p, then makes it absolute against
// base when p is not already absolute.
func resolveAgainst(p, base string) string {
	expanded := expandPath(p, base)
	if filepath.IsAbs(expanded) {
		return expanded
	}
	return filepath.Join(base, expanded)
}

// expandPath expands ~, $VAR, ${VAR}, and (on any platform, since CLI
// settings may be authored on Windows and consumed elsewhere) %VAR%
// tokens in p. base is only used to anchor a bare "~" when HOME/USERPROFILE
// is unset, which should not normally happen.
func expandPath(p, base string) string {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			home = base
		}
		p = home + strings.TrimPrefix(p, "~")
	}
	p = os.Expand(p, os.Getenv)
	p = expandPercentVars(p)
	return p
}

// expandPercentVars expands Windows-style %VAR% tokens; os.Expand only
// understands $VAR/${VAR}, so this is a small manual pass for the
// cross-platform settings format described in §6.
func expandPercentVars(p string) string {
	if !strings.Contains(p, "%") {
		return p
	}
	var b strings.Builder
	for i := 0; i < len(p); {
		if p[i] == '%' {
			if end := strings.IndexByte(p[i+1:], '%'); end >= 0 {
				name := p[i+1 : i+1+end]
				b.WriteString(os.Getenv(name))
				i += end + 2
				continue
			}
		}
		b.WriteByte(p[i])
		i++
	}
	return b.String()
}
