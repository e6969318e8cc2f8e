package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/coldbell/swapmirror/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror", "mirror.log")

	logger, closeLogger, err := New("swapmirror", config.LogConfig{
		Level:    "debug",
		Format:   "json",
		Output:   "file",
		FilePath: path,
	})
	require.NoError(t, err)

	Component(logger, "engine").Debug("submitted", "attempt", 1)
	require.NoError(t, closeLogger())

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"service":"swapmirror"`)
	assert.Contains(t, string(body), `"component":"engine"`)
	assert.Contains(t, string(body), `"attempt":1`)
}

func TestNew_RejectsUnknownSettings(t *testing.T) {
	_, _, err := New("swapmirror", config.LogConfig{Level: "loud"})
	require.Error(t, err)

	_, _, err = New("swapmirror", config.LogConfig{Format: "xml"})
	require.Error(t, err)

	_, _, err = New("swapmirror", config.LogConfig{Output: "syslog"})
	require.Error(t, err)
}
