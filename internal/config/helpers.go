package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDirectories ensures all required directories exist
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Instance.DataDir,
		filepath.Dir(c.IdentityPath()),
		filepath.Dir(c.JournalPath()),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

// GetDataPath returns the full path for a data file
func (c *Config) GetDataPath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(c.Instance.DataDir, filename)
}

// IdentityPath returns the location of the persisted instance identity record
func (c *Config) IdentityPath() string {
	return c.GetDataPath(c.Instance.IdentityFile)
}

// JournalPath returns the location of the active journal file
func (c *Config) JournalPath() string {
	return c.GetDataPath(c.Instance.JournalFile)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Logging.Level == "debug" && c.Logging.Format == "console"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Logging.Level == "info" && c.Logging.Format == "json"
}

// GetServerAddress returns the HTTP listen address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.HTTPPort)
}

// GetAdvertiseURL returns the sync URL peers should use to reach this instance.
// Falls back to localhost when none is configured.
func (c *Config) GetAdvertiseURL() string {
	if c.Cluster.AdvertiseURL != "" {
		return c.Cluster.AdvertiseURL
	}
	return fmt.Sprintf("http://localhost:%d/distributed/sync", c.Server.HTTPPort)
}
