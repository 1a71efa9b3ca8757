package bootstrap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const logPrefix = "bootstrap:loader"

// LoadRouteConfig loads the route config from the first readable path.
// It tries paths in order: first any paths passed in, then BUS_ROUTES_FILE env, then defaults.
// A file that exists but fails to parse or validate is an error; when no file is found the
// default config is returned.
func LoadRouteConfig(paths ...string) (*RouteConfig, error) {
	all := make([]string, 0, len(paths)+5)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("BUS_ROUTES_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/routes.yaml", "config/routes.json", "routes.yaml", "routes.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		cfg, err := ParseRouteConfig(p, data)
		if err != nil {
			return nil, err
		}

		slog.Info(fmt.Sprintf("%s - Loaded %d routes from %s", logPrefix, len(cfg.Routes), p))
		return cfg, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default route config", logPrefix))
	return GetDefaultRouteConfig(), nil
}

// ParseRouteConfig decodes data as YAML when path ends in .yaml or .yml and as JSON otherwise,
// then validates it.
func ParseRouteConfig(path string, data []byte) (*RouteConfig, error) {
	var cfg RouteConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s - failed to parse %s: %w", logPrefix, path, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s - failed to parse %s: %w", logPrefix, path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s - invalid route config %s: %w", logPrefix, path, err)
	}
	return &cfg, nil
}

// GetDefaultRouteConfig logs every message and forwards nothing.
func GetDefaultRouteConfig() *RouteConfig {
	return &RouteConfig{
		Name:    "commandbus-default-routes",
		Version: "1.0.0",
		Routes: []Route{
			{Name: "log-all", Pattern: "*", Transport: TransportLog},
		},
	}
}
