package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNewZapLogger_Console(t *testing.T) {
	logger, err := NewZapLogger(Config{Name: "test", Format: FormatJSON})
	require.NoError(t, err)
	require.NotNil(t, logger)

	child := logger.With("network", "gnosis")
	assert.NotNil(t, child)
	assert.NotSame(t, logger, child)
	child.Info("child logger works", "agent", "0x01")
}

func TestNewZapLogger_File(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewZapLogger(Config{Name: "test", Format: FormatConsole, Dir: dir, File: true})
	require.NoError(t, err)
	logger.Debugf("written to %s", dir)
	assert.DirExists(t, filepath.Join(dir, "test"))
}

func TestNodeConfig(t *testing.T) {
	assert.Equal(t, Config{Name: "keeper", Format: FormatJSON}, NodeConfig(false, false))

	dev := NodeConfig(true, true)
	assert.Equal(t, FormatConsole, dev.Format)
	assert.True(t, dev.File)
	assert.Equal(t, filepath.Join("data", "logs", "keeper"), dev.fileDir())
}

func TestNoOpLogger_WithReturnsItself(t *testing.T) {
	l := NewNoOpLogger()
	assert.Same(t, l, l.With("k", "v"))
}

func TestMockLogger_DefaultExpectations(t *testing.T) {
	m := &MockLogger{}
	m.SetupDefaultExpectations()

	m.Info("hello", "k", 1)
	m.Warnf("value %d", 2)
	assert.Same(t, m, m.With("k", "v"))
	m.AssertCalled(t, "Info", "hello", mock.Anything)
}
