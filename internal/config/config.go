// Package config loads and saves the engine's preferences file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Defaults.
const (
	DefaultServerURL          = "http://localhost:8000"
	DefaultCoalesceIntervalMs = 16
	DefaultOrphanMaxAgeMs     = 30_000
)

// ModelPreference selects a provider/model pair for outbound prompts.
type ModelPreference struct {
	ProviderID string `json:"providerId,omitempty"`
	ModelID    string `json:"modelId,omitempty"`
}

// Preferences is the persisted engine configuration.
type Preferences struct {
	ServerURL          string          `json:"serverUrl"`
	Directory          string          `json:"directory,omitempty"`
	Model              ModelPreference `json:"model,omitempty"`
	CoalesceIntervalMs int             `json:"coalesceIntervalMs"`
	OrphanMaxAgeMs     int             `json:"orphanMaxAgeMs"`
	LogLevel           string          `json:"logLevel,omitempty"`
}

// DefaultPreferences returns the defaults used when no file exists.
func DefaultPreferences() Preferences {
	return Preferences{
		ServerURL:          DefaultServerURL,
		CoalesceIntervalMs: DefaultCoalesceIntervalMs,
		OrphanMaxAgeMs:     DefaultOrphanMaxAgeMs,
	}
}

// Path returns the preferences file location.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".agentsync", "config.json"), nil
}

// Load reads preferences from disk. A missing file yields the defaults;
// unknown fields are ignored, absent fields keep their default values.
func Load() (Preferences, error) {
	prefs := DefaultPreferences()

	path, err := Path()
	if err != nil {
		return prefs, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return prefs, nil
		}
		return prefs, fmt.Errorf("read preferences: %w", err)
	}

	if err := json.Unmarshal(data, &prefs); err != nil {
		return DefaultPreferences(), fmt.Errorf("parse preferences: %w", err)
	}
	if prefs.ServerURL == "" {
		prefs.ServerURL = DefaultServerURL
	}
	if prefs.CoalesceIntervalMs <= 0 {
		prefs.CoalesceIntervalMs = DefaultCoalesceIntervalMs
	}
	if prefs.OrphanMaxAgeMs <= 0 {
		prefs.OrphanMaxAgeMs = DefaultOrphanMaxAgeMs
	}
	return prefs, nil
}

// Save writes preferences to disk, creating the directory if needed.
func Save(prefs Preferences) error {
	path, err := Path()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	return nil
}
