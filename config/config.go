// Package config loads model provider settings from YAML documents with
// environment-variable overrides.
//
// The built-in provider table covers the common deployments (openai,
// azure). A YAML file merges over the table field by field, and
// environment variables of the form MODELSTREAM_<PROVIDER>_<FIELD>
// override both, so a deployment can repoint a provider without
// touching the file:
//
//	providers:
//	  - name: openai
//	    base_url: https://api.openai.com/v1
//	    wire_api: responses
//	    env_key: OPENAI_API_KEY
//	    idle_timeout: 75s
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Wire API names accepted by provider settings.
const (
	WireAPIResponses = "responses"
	WireAPIChat      = "chat"
)

// envPrefix namespaces all override variables.
const envPrefix = "MODELSTREAM_"

type (
	// Provider holds the settings needed to reach one model provider.
	Provider struct {
		// Name identifies the provider in config lookups and errors.
		Name string `yaml:"name"`
		// BaseURL is the API root, e.g. https://api.openai.com/v1.
		BaseURL string `yaml:"base_url"`
		// WireAPI selects the streaming shape: "responses" or "chat".
		// Defaults to "responses".
		WireAPI string `yaml:"wire_api"`
		// EnvKey names the environment variable holding the API key.
		EnvKey string `yaml:"env_key"`
		// MaxRetries is how many times a failed connection attempt is
		// retried. Zero keeps the client default.
		MaxRetries int `yaml:"max_retries"`
		// IdleTimeout aborts a stream when no bytes arrive for this
		// long. Zero keeps the client default.
		IdleTimeout Duration `yaml:"idle_timeout"`
		// OrganizationHeader is sent as OpenAI-Organization when set.
		OrganizationHeader string `yaml:"organization_header"`
		// Azure applies the Azure request shaping workarounds.
		Azure bool `yaml:"azure"`
	}

	// File is the on-disk configuration document.
	File struct {
		Providers []Provider `yaml:"providers"`
	}

	// Config is a resolved provider table.
	Config struct {
		providers map[string]Provider
	}

	// Duration is a time.Duration that unmarshals from YAML strings
	// such as "90s" or "2m".
	Duration time.Duration
)

// UnmarshalYAML parses durations in time.ParseDuration notation.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.ParseDuration notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Builtins returns the built-in provider table. The azure entry needs a
// base_url from the file or environment before it resolves.
func Builtins() []Provider {
	return []Provider{
		{
			Name:        "openai",
			BaseURL:     "https://api.openai.com/v1",
			WireAPI:     WireAPIResponses,
			EnvKey:      "OPENAI_API_KEY",
			IdleTimeout: Duration(75 * time.Second),
		},
		{
			Name:        "azure",
			WireAPI:     WireAPIResponses,
			EnvKey:      "AZURE_OPENAI_API_KEY",
			IdleTimeout: Duration(75 * time.Second),
			Azure:       true,
		},
	}
}

// Load reads a YAML configuration file and resolves it over the built-in
// table and environment overrides. An empty path loads built-ins and
// environment overrides only.
func Load(path string) (*Config, error) {
	providers := builtinTable()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		var f File
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		for _, p := range f.Providers {
			if p.Name == "" {
				return nil, errors.New("provider name is required")
			}
			if base, ok := providers[p.Name]; ok {
				providers[p.Name] = merge(base, p)
			} else {
				providers[p.Name] = p
			}
		}
	}

	for name, p := range providers {
		providers[name] = applyEnv(p)
	}
	return &Config{providers: providers}, nil
}

// FromEnv resolves the built-in table with environment overrides only.
func FromEnv() *Config {
	providers := builtinTable()
	for name, p := range providers {
		providers[name] = applyEnv(p)
	}
	return &Config{providers: providers}
}

// Provider resolves a provider by name and validates it.
func (c *Config) Provider(name string) (Provider, error) {
	p, ok := c.providers[name]
	if !ok {
		return Provider{}, fmt.Errorf("unknown provider %q", name)
	}
	if p.WireAPI == "" {
		p.WireAPI = WireAPIResponses
	}
	if err := p.validate(); err != nil {
		return Provider{}, err
	}
	return p, nil
}

// Providers lists all configured providers sorted by name. Entries are
// returned as configured; resolve them with Provider to validate.
func (c *Config) Providers() []Provider {
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Provider, len(names))
	for i, name := range names {
		out[i] = c.providers[name]
	}
	return out
}

// validate checks a resolved provider, naming the offending field.
func (p Provider) validate() error {
	if p.Name == "" {
		return errors.New("provider name is required")
	}
	switch p.WireAPI {
	case WireAPIResponses, WireAPIChat:
	default:
		return fmt.Errorf("provider %q: wire_api must be %q or %q, got %q", p.Name, WireAPIResponses, WireAPIChat, p.WireAPI)
	}
	if p.BaseURL == "" {
		return fmt.Errorf("provider %q: base_url is required", p.Name)
	}
	if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("provider %q: base_url %q is not an absolute URL", p.Name, p.BaseURL)
	}
	if p.EnvKey == "" {
		return fmt.Errorf("provider %q: env_key is required", p.Name)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("provider %q: max_retries must not be negative", p.Name)
	}
	if p.IdleTimeout < 0 {
		return fmt.Errorf("provider %q: idle_timeout must not be negative", p.Name)
	}
	return nil
}

// builtinTable indexes Builtins by name.
func builtinTable() map[string]Provider {
	table := make(map[string]Provider)
	for _, p := range Builtins() {
		table[p.Name] = p
	}
	return table
}

// merge overlays non-zero override fields on a base provider.
func merge(base, override Provider) Provider {
	out := base
	if override.BaseURL != "" {
		out.BaseURL = override.BaseURL
	}
	if override.WireAPI != "" {
		out.WireAPI = override.WireAPI
	}
	if override.EnvKey != "" {
		out.EnvKey = override.EnvKey
	}
	if override.MaxRetries != 0 {
		out.MaxRetries = override.MaxRetries
	}
	if override.IdleTimeout != 0 {
		out.IdleTimeout = override.IdleTimeout
	}
	if override.OrganizationHeader != "" {
		out.OrganizationHeader = override.OrganizationHeader
	}
	if override.Azure {
		out.Azure = true
	}
	return out
}

// applyEnv overlays MODELSTREAM_<PROVIDER>_<FIELD> variables. Values
// that fail to parse are ignored in favor of the configured ones.
func applyEnv(p Provider) Provider {
	prefix := envPrefix + envName(p.Name) + "_"
	if v := os.Getenv(prefix + "BASE_URL"); v != "" {
		p.BaseURL = v
	}
	if v := os.Getenv(prefix + "WIRE_API"); v != "" {
		p.WireAPI = v
	}
	if v := os.Getenv(prefix + "ENV_KEY"); v != "" {
		p.EnvKey = v
	}
	if v := os.Getenv(prefix + "ORGANIZATION"); v != "" {
		p.OrganizationHeader = v
	}
	if v := os.Getenv(prefix + "MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.MaxRetries = n
		}
	}
	if v := os.Getenv(prefix + "IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			p.IdleTimeout = Duration(d)
		}
	}
	return p
}

// envName converts a provider name to environment-variable notation.
func envName(name string) string {
	upper := strings.ToUpper(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
}
