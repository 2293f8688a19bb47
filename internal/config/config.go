// Package config loads the kernel daemon's TOML configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bayleafwalker/bindery-kernel/internal/bootstrap"
	"github.com/bayleafwalker/bindery-kernel/internal/manifest"
	"github.com/bayleafwalker/bindery-kernel/internal/registry"
)

const (
	RegistryStatic = "static"
	RegistryKube   = "kube"
)

type Config struct {
	Name      string
	AdminAddr string
	GRPCAddr  string

	Concurrency      int
	BootstrapTimeout time.Duration
	CyclePolicy      manifest.CyclePolicy
	FailurePolicy    bootstrap.FailurePolicy

	Registry RegistryConfig
	NATS     NATSConfig
	// Load lists the units requested at startup.
	Load []manifest.Request
	// Runtime is handed to every unit bootstrap as runtime data.
	Runtime map[string]any
}

type RegistryConfig struct {
	Kind      string
	Namespace string
	Units     []registry.Publication
}

// NATSConfig enables the lifecycle event sink when URL is set.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

func Default() Config {
	return Config{
		Name:             "bindery-kernel",
		AdminAddr:        ":8080",
		GRPCAddr:         ":9090",
		Concurrency:      4,
		BootstrapTimeout: bootstrap.DefaultTimeout,
		CyclePolicy:      manifest.CycleFail,
		FailurePolicy:    bootstrap.FailIsolate,
		Registry:         RegistryConfig{Kind: RegistryStatic},
		Runtime:          map[string]any{},
	}
}

type fileConfig struct {
	Name             string         `toml:"name"`
	AdminAddr        string         `toml:"admin_addr"`
	GRPCAddr         string         `toml:"grpc_addr"`
	Concurrency      int            `toml:"concurrency"`
	BootstrapTimeout string         `toml:"bootstrap_timeout"`
	CyclePolicy      string         `toml:"cycle_policy"`
	FailurePolicy    string         `toml:"failure_policy"`
	Registry         fileRegistry   `toml:"registry"`
	NATS             fileNATS       `toml:"nats"`
	Load             []fileRequest  `toml:"load"`
	Runtime          map[string]any `toml:"runtime"`
}

type fileRegistry struct {
	Kind      string     `toml:"kind"`
	Namespace string     `toml:"namespace"`
	Units     []fileUnit `toml:"units"`
}

type fileUnit struct {
	Name        string `toml:"name"`
	Version     string `toml:"version"`
	ManifestURL string `toml:"manifest_url"`
	DistBase    string `toml:"dist_base"`
}

type fileNATS struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

type fileRequest struct {
	Name  string `toml:"name"`
	Range string `toml:"range"`
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse is Load for an in-memory document.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			if len(k) > 0 && k[0] == "runtime" {
				continue
			}
			keys = append(keys, k.String())
		}
		if len(keys) > 0 {
			return Config{}, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
		}
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("grpc_addr") {
		cfg.GRPCAddr = strings.TrimSpace(raw.GRPCAddr)
	}
	if meta.IsDefined("concurrency") {
		cfg.Concurrency = raw.Concurrency
	}
	if meta.IsDefined("bootstrap_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.BootstrapTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse bootstrap_timeout: %w", err)
		}
		cfg.BootstrapTimeout = d
	}
	if meta.IsDefined("cycle_policy") {
		p, err := manifest.ParseCyclePolicy(strings.TrimSpace(raw.CyclePolicy))
		if err != nil {
			return Config{}, err
		}
		cfg.CyclePolicy = p
	}
	if meta.IsDefined("failure_policy") {
		p, err := bootstrap.ParseFailurePolicy(strings.TrimSpace(raw.FailurePolicy))
		if err != nil {
			return Config{}, err
		}
		cfg.FailurePolicy = p
	}

	if meta.IsDefined("registry", "kind") {
		cfg.Registry.Kind = strings.TrimSpace(raw.Registry.Kind)
	}
	if meta.IsDefined("registry", "namespace") {
		cfg.Registry.Namespace = strings.TrimSpace(raw.Registry.Namespace)
	}
	for _, u := range raw.Registry.Units {
		cfg.Registry.Units = append(cfg.Registry.Units, registry.Publication{
			Name:        strings.TrimSpace(u.Name),
			Version:     strings.TrimSpace(u.Version),
			ManifestURL: strings.TrimSpace(u.ManifestURL),
			DistBase:    strings.TrimSpace(u.DistBase),
		})
	}

	if meta.IsDefined("nats", "url") {
		cfg.NATS.URL = strings.TrimSpace(raw.NATS.URL)
	}
	if meta.IsDefined("nats", "subject_prefix") {
		cfg.NATS.SubjectPrefix = strings.TrimSpace(raw.NATS.SubjectPrefix)
	}

	for _, r := range raw.Load {
		cfg.Load = append(cfg.Load, manifest.Request{Name: strings.TrimSpace(r.Name), Range: strings.TrimSpace(r.Range)})
	}
	for k, v := range raw.Runtime {
		cfg.Runtime[k] = v
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("kernel config missing name")
	}
	if strings.TrimSpace(cfg.AdminAddr) == "" {
		return fmt.Errorf("kernel config missing admin_addr")
	}
	if cfg.Concurrency < 1 || cfg.Concurrency > 8 {
		return fmt.Errorf("concurrency must be between 1 and 8, got %d", cfg.Concurrency)
	}
	if cfg.BootstrapTimeout <= 0 {
		return fmt.Errorf("bootstrap_timeout must be positive")
	}
	switch cfg.Registry.Kind {
	case RegistryStatic:
	case RegistryKube:
		if cfg.Registry.Namespace == "" {
			return fmt.Errorf("registry namespace is required for kind %q", RegistryKube)
		}
	default:
		return fmt.Errorf("unknown registry kind %q", cfg.Registry.Kind)
	}
	for i, u := range cfg.Registry.Units {
		if u.Name == "" || u.Version == "" {
			return fmt.Errorf("registry.units[%d]: name and version are required", i)
		}
		if u.ManifestURL == "" && u.DistBase == "" {
			return fmt.Errorf("registry.units[%d]: one of manifest_url or dist_base is required", i)
		}
	}
	for i, r := range cfg.Load {
		if r.Name == "" {
			return fmt.Errorf("load[%d]: name is required", i)
		}
	}
	return nil
}
