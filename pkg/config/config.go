package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// ProjectConfigName is the per-project config file searched upward from
	// the working directory.
	ProjectConfigName = "absconda-remote.yaml"
	// userConfigName is the file read from XDG config directories.
	userConfigName = "config.yaml"

	envConfigPath = "ABSCONDA_REMOTE_CONFIG"
	envStateURL   = "ABSCONDA_STATE_URL"
)

// Error marks configuration problems. The CLI maps it to exit code 2 and
// never retries.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

func errf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Provider identifies how a builder host is reached and managed.
type Provider string

const (
	ProviderGenericSSH Provider = "generic-ssh"
	ProviderGCP        Provider = "gcp"
)

// BuilderDefinition is the immutable configuration for one remote builder.
// Loaded once per process and never mutated afterwards.
type BuilderDefinition struct {
	Name     string
	Provider Provider

	Host       string
	User       string
	SSHPort    int
	SSHKey     string
	SSHOptions []string

	// Workspace is the remote directory under which per-build context
	// directories are created.
	Workspace string

	StartCommand     []string
	StopCommand      []string
	StatusCommand    []string
	ProvisionCommand []string
	DestroyCommand   []string

	LeaseTTL time.Duration

	// GCP connection metadata, set when Provider is gcp.
	Project string
	Zone    string

	Metadata map[string]any
}

// SSHTarget renders the user@host form used for ssh connections.
func (d *BuilderDefinition) SSHTarget() string {
	if d.User == "" {
		return d.Host
	}
	return d.User + "@" + d.Host
}

// Config is the merged view of all configuration layers.
type Config struct {
	// Path is the highest-priority file that contributed, for messages.
	Path     string
	Builders map[string]BuilderDefinition
	// StateURL selects the lease store backend. Empty means the per-user
	// file store.
	StateURL string
}

// Builder resolves a named definition, listing the available names when the
// lookup fails so typos are cheap to fix.
func (c *Config) Builder(name string) (BuilderDefinition, error) {
	def, ok := c.Builders[name]
	if !ok {
		return BuilderDefinition{}, errf("builder %q not found in %q (available: %s)",
			name, c.Path, strings.Join(c.Names(), ", "))
	}
	return def, nil
}

// Names returns the configured builder names.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Builders))
	for n := range c.Builders {
		names = append(names, n)
	}
	return names
}

// Load reads and merges all configuration layers. When explicitPath (or the
// ABSCONDA_REMOTE_CONFIG variable) is set, only that file is read. Otherwise
// layers merge lowest to highest priority: system XDG dirs, user XDG dir,
// nearest project file, so the project file wins per key.
func Load(explicitPath string) (*Config, error) {
	paths, err := discoverPaths(explicitPath)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errf("remote builder config not found; create %q in the project, "+
			"~/.config/absconda/%s, or pass --remote-config", ProjectConfigName, userConfigName)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ABSCONDA")
	v.AutomaticEnv()
	for i, path := range paths {
		v.SetConfigFile(path)
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}
		if err != nil {
			return nil, errf("failed to read config %q: %v", path, err)
		}
	}

	raw := v.Get("builders")
	if raw == nil {
		return nil, errf("no builders defined in %q", paths[len(paths)-1])
	}
	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, err
	}
	buildersRaw, ok := expanded.(map[string]any)
	if !ok {
		return nil, errf("builders section must be a mapping of name to options")
	}

	cfg := &Config{
		Path:     paths[len(paths)-1],
		Builders: make(map[string]BuilderDefinition, len(buildersRaw)),
	}
	for name, entry := range buildersRaw {
		entryMap, ok := entry.(map[string]any)
		if !ok {
			return nil, errf("builder %q must be a mapping of options", name)
		}
		def, err := parseBuilder(name, entryMap)
		if err != nil {
			return nil, err
		}
		cfg.Builders[name] = def
	}

	cfg.StateURL = v.GetString("state_url")
	if fromEnv := os.Getenv(envStateURL); fromEnv != "" {
		cfg.StateURL = fromEnv
	}
	return cfg, nil
}

func discoverPaths(explicit string) ([]string, error) {
	if explicit != "" {
		path := expandHome(explicit)
		if _, err := os.Stat(path); err != nil {
			return nil, errf("remote config %q was not found", path)
		}
		return []string{path}, nil
	}
	if fromEnv := os.Getenv(envConfigPath); fromEnv != "" {
		path := expandHome(fromEnv)
		if _, err := os.Stat(path); err != nil {
			return nil, errf("remote config %q (from %s) was not found", path, envConfigPath)
		}
		return []string{path}, nil
	}

	var paths []string

	// System-wide layers, lowest priority first.
	xdgDirs := os.Getenv("XDG_CONFIG_DIRS")
	if xdgDirs == "" {
		xdgDirs = "/etc/xdg"
	}
	sysDirs := strings.Split(xdgDirs, ":")
	for i := len(sysDirs) - 1; i >= 0; i-- {
		if sysDirs[i] == "" {
			continue
		}
		candidate := filepath.Join(sysDirs[i], "absconda", userConfigName)
		if _, err := os.Stat(candidate); err == nil {
			paths = append(paths, candidate)
		}
	}

	// User layer.
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		if home, err := os.UserHomeDir(); err == nil {
			configHome = filepath.Join(home, ".config")
		}
	}
	if configHome != "" {
		candidate := filepath.Join(configHome, "absconda", userConfigName)
		if _, err := os.Stat(candidate); err == nil {
			paths = append(paths, candidate)
		}
	}

	// Project layer: nearest absconda-remote.yaml walking up from CWD.
	if cwd, err := os.Getwd(); err == nil {
		dir := cwd
		for {
			candidate := filepath.Join(dir, ProjectConfigName)
			if _, err := os.Stat(candidate); err == nil {
				paths = append(paths, candidate)
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	return paths, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(\?)?}`)

// expandEnv walks the raw config value and substitutes ${VAR} references.
// ${VAR?} is required: loading fails when the variable is unset. A plain
// ${VAR} that is unset is left verbatim.
func expandEnv(value any) (any, error) {
	switch typed := value.(type) {
	case string:
		var expandErr error
		out := envPattern.ReplaceAllStringFunc(typed, func(match string) string {
			groups := envPattern.FindStringSubmatch(match)
			name, required := groups[1], groups[2] == "?"
			if v, ok := os.LookupEnv(name); ok {
				return v
			}
			if required {
				expandErr = errf("required environment variable %q is not set", name)
			}
			return match
		})
		return out, expandErr
	case []any:
		result := make([]any, len(typed))
		for i, item := range typed {
			expanded, err := expandEnv(item)
			if err != nil {
				return nil, err
			}
			result[i] = expanded
		}
		return result, nil
	case map[string]any:
		result := make(map[string]any, len(typed))
		for key, item := range typed {
			expanded, err := expandEnv(item)
			if err != nil {
				return nil, err
			}
			result[key] = expanded
		}
		return result, nil
	default:
		return value, nil
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
