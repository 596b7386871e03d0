package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultPort is used when PORT is unset.
const DefaultPort = 8877

// ErrInvalidPort is returned for a PORT that is not a TCP port number.
var ErrInvalidPort = errors.New("PORT must be a number between 1 and 65535")

// Env is the backend configuration taken from the environment.
type Env struct {
	Port    int    // PORT, default 8877
	Host    string // VIRTUAL_HOST, default http://localhost:<port>/
	NodeEnv string // NODE_ENV, default production
}

// ConfigFromEnv loads the backend configuration from the environment.
func ConfigFromEnv() (Env, error) {
	port := DefaultPort
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return Env{}, fmt.Errorf("%w: PORT=%s", ErrInvalidPort, v)
		}
		port = p
	}
	return Env{
		Port:    port,
		Host:    envOrDefault("VIRTUAL_HOST", fmt.Sprintf("http://localhost:%d/", port)),
		NodeEnv: envOrDefault("NODE_ENV", "production"),
	}, nil
}

// Development reports whether NODE_ENV selects development mode.
func (e Env) Development() bool {
	return e.NodeEnv == "development"
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Manifest is the name and version reported in the readiness line.
type Manifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ReadManifest reads name and version from package.json in dir. A missing
// or incomplete manifest falls back to def for the missing fields.
func ReadManifest(dir string, def Manifest) Manifest {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return def
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return def
	}
	if m.Name == "" {
		m.Name = def.Name
	}
	if m.Version == "" {
		m.Version = def.Version
	}
	return m
}
