package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/always-cache/swcache/classify"
	responsetransformer "github.com/always-cache/swcache/pkg/response-transformer"
	"github.com/always-cache/swcache/push"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Versioned cache store name, bump it on every deployment.
	CacheName string         `yaml:"cacheName"`
	Origin    string         `yaml:"origin"`
	Host      string         `yaml:"host"`
	Port      int            `yaml:"port"`
	DB        string         `yaml:"db"`
	Timeout   Duration       `yaml:"timeout"`
	Manifest  []string       `yaml:"manifest"`
	Classify  ClassifyConfig `yaml:"classify"`
	Install   InstallConfig  `yaml:"install"`
	Push      PushConfig     `yaml:"push"`
	// Header rules for network responses.
	Headers responsetransformer.Rules `yaml:"headers"`
}

type ClassifyConfig struct {
	GeocodingHost    string          `yaml:"geocodingHost"`
	PhotoCDNHost     string          `yaml:"photoCdnHost"`
	AppRoutes        []string        `yaml:"appRoutes"`
	StaticExtensions []string        `yaml:"staticExtensions"`
	Rules            []classify.Rule `yaml:"rules"`
}

func (c ClassifyConfig) Classifier() classify.Classifier {
	return classify.Classifier{
		GeocodingHost:    c.GeocodingHost,
		PhotoCDNHost:     c.PhotoCDNHost,
		AppRoutes:        c.AppRoutes,
		StaticExtensions: c.StaticExtensions,
		Rules:            c.Rules,
	}
}

type InstallConfig struct {
	Attempts    uint     `yaml:"attempts"`
	Delay       Duration `yaml:"delay"`
	Concurrency int      `yaml:"concurrency"`
}

type PushConfig struct {
	// Notification shown for pushes without data.
	// Fields left out keep the built-in defaults.
	Defaults push.Payload `yaml:"defaults"`
}

func defaultConfig() Config {
	return Config{
		CacheName: "crag-v1",
		Port:      8080,
		DB:        "cache.db",
		Timeout:   Duration(30 * time.Second),
		Push:      PushConfig{Defaults: push.DefaultPayload()},
	}
}

func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("parse %s: %w", filename, err)
	}
	return config, nil
}

// Duration is a time.Duration written as a string like "30s" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts a duration string ("30s") or a bare integer of nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("expected scalar duration value, got %v", value.Kind)
	}
	if parsed, err := time.ParseDuration(value.Value); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if nanos, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(nanos))
		return nil
	}
	return fmt.Errorf("invalid duration %q: expected format like \"30s\" or \"5m\"", value.Value)
}
