package config

import (
	"fmt"
	"strings"
	"time"
)

var knownKeys = map[string]bool{
	"provider":          true,
	"ssh_host":          true,
	"host":              true,
	"user":              true,
	"workspace":         true,
	"ssh_key":           true,
	"ssh_port":          true,
	"ssh_options":       true,
	"start_command":     true,
	"stop_command":      true,
	"status_command":    true,
	"provision_command": true,
	"destroy_command":   true,
	"lease_ttl":         true,
	"project":           true,
	"zone":              true,
}

func parseBuilder(name string, raw map[string]any) (BuilderDefinition, error) {
	def := BuilderDefinition{Name: name, Provider: ProviderGenericSSH, SSHPort: 22, LeaseTTL: 0}

	host, user, err := parseTarget(name, raw)
	if err != nil {
		return def, err
	}
	def.Host = host
	def.User = user

	workspace, err := requireString(name, raw, "workspace")
	if err != nil {
		return def, err
	}
	def.Workspace = workspace

	if port, ok := raw["ssh_port"]; ok {
		p, ok := asInt(port)
		if !ok {
			return def, errf("builder %q: ssh_port must be an integer", name)
		}
		def.SSHPort = p
	}
	if key, ok := raw["ssh_key"]; ok {
		s, ok := key.(string)
		if !ok {
			return def, errf("builder %q: ssh_key must be a string path", name)
		}
		def.SSHKey = expandHome(s)
	}
	if opts, ok := raw["ssh_options"]; ok {
		list, err := stringList(opts)
		if err != nil {
			return def, errf("builder %q: ssh_options %v", name, err)
		}
		def.SSHOptions = list
	}

	for key, target := range map[string]*[]string{
		"start_command":     &def.StartCommand,
		"stop_command":      &def.StopCommand,
		"status_command":    &def.StatusCommand,
		"provision_command": &def.ProvisionCommand,
		"destroy_command":   &def.DestroyCommand,
	} {
		value, ok := raw[key]
		if !ok || value == nil {
			continue
		}
		argv, err := parseCommand(value)
		if err != nil {
			return def, errf("builder %q: %s %v", name, key, err)
		}
		*target = argv
	}

	if ttl, ok := raw["lease_ttl"]; ok {
		s := fmt.Sprintf("%v", ttl)
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return def, errf("builder %q: lease_ttl %q is not a duration", name, s)
		}
		def.LeaseTTL = parsed
	}

	def.Project, _ = raw["project"].(string)
	def.Zone, _ = raw["zone"].(string)
	if def.Project != "" && def.Zone != "" {
		def.Provider = ProviderGCP
	}
	if provider, ok := raw["provider"]; ok {
		s, _ := provider.(string)
		switch Provider(s) {
		case ProviderGenericSSH, ProviderGCP:
			def.Provider = Provider(s)
		default:
			return def, errf("builder %q: unknown provider %q", name, s)
		}
	}
	if def.Provider == ProviderGCP && (def.Project == "" || def.Zone == "") {
		return def, errf("builder %q: gcp provider requires project and zone", name)
	}

	metadata := make(map[string]any)
	for key, value := range raw {
		if !knownKeys[key] {
			metadata[key] = value
		}
	}
	if len(metadata) > 0 {
		def.Metadata = metadata
	}
	return def, nil
}

func parseTarget(name string, raw map[string]any) (host, user string, err error) {
	if sshHost, ok := raw["ssh_host"]; ok {
		s, ok := sshHost.(string)
		if !ok {
			return "", "", errf("builder %q: ssh_host must be a string", name)
		}
		if at := strings.LastIndex(s, "@"); at >= 0 {
			return s[at+1:], s[:at], nil
		}
		return s, "", nil
	}
	h, err := requireString(name, raw, "host")
	if err != nil {
		return "", "", err
	}
	if u, ok := raw["user"]; ok {
		s, ok := u.(string)
		if !ok {
			return "", "", errf("builder %q: user must be a string", name)
		}
		user = s
	}
	return h, user, nil
}

func requireString(name string, raw map[string]any, key string) (string, error) {
	value, ok := raw[key]
	if !ok || value == nil {
		return "", errf("builder %q: missing required field %q", name, key)
	}
	s, ok := value.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", errf("builder %q: field %q must be a non-empty string", name, key)
	}
	return s, nil
}

func stringList(value any) ([]string, error) {
	switch typed := value.(type) {
	case []string:
		return typed, nil
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("must be a list of strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be a list of strings")
	}
}

// parseCommand accepts either a shell-style string or an argv list.
func parseCommand(value any) ([]string, error) {
	if s, ok := value.(string); ok {
		argv, err := splitCommand(s)
		if err != nil {
			return nil, err
		}
		return argv, nil
	}
	list, err := stringList(value)
	if err != nil {
		return nil, fmt.Errorf("must be a string or a list of strings")
	}
	return list, nil
}

// splitCommand splits a command string on whitespace, honoring single and
// double quotes.
func splitCommand(s string) ([]string, error) {
	var (
		argv    []string
		current strings.Builder
		quote   rune
		started bool
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			started = true
		case r == ' ' || r == '\t' || r == '\n':
			if started {
				argv = append(argv, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("has an unterminated quote")
	}
	if started {
		argv = append(argv, current.String())
	}
	return argv, nil
}

func asInt(value any) (int, bool) {
	switch typed := value.(type) {
	case int:
		return typed, true
	case int64:
		return int(typed), true
	case float64:
		return int(typed), true
	default:
		return 0, false
	}
}
