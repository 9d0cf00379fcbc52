package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDirectories ensures the registry directory exists
func (c *Config) EnsureDirectories() error {
	dir := filepath.Dir(c.Registry.Path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Logging.Level == "debug" && c.Logging.Format == "console"
}

// GetServerAddress returns the HTTP listen address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.HTTPPort)
}

// Subject returns the fully qualified bus subject for an event name
func (c *QueueConfig) Subject(eventName string) string {
	prefix := c.SubjectPrefix
	if prefix == "" {
		prefix = "searchcoord.events"
	}
	return prefix + "." + eventName
}
