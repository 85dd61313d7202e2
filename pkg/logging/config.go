package logging

import "path/filepath"

// Format selects the stdout encoding and the minimum level
type Format string

const (
	// FormatConsole is colored text from debug up, for local runs
	FormatConsole Format = "console"
	// FormatJSON is one object per entry from info up
	FormatJSON Format = "json"
)

const defaultLogDir = "data/logs"

// Config is the node logger setup. With File set, entries also go to
// <Dir>/<Name>/<start time>.log.
type Config struct {
	Name   string
	Format Format
	Dir    string
	File   bool
}

// NodeConfig is the keeper binary's logger. Dev mode switches to console
// output.
func NodeConfig(devMode, toFile bool) Config {
	c := Config{Name: "keeper", Format: FormatJSON, File: toFile}
	if devMode {
		c.Format = FormatConsole
	}
	return c
}

func (c Config) fileDir() string {
	dir := c.Dir
	if dir == "" {
		dir = defaultLogDir
	}
	return filepath.Join(dir, c.Name)
}
