package sensor

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreferencesRoundTrip(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	path := filepath.Join(t.TempDir(), "devices.json")

	p := NewPreferences(path, logger)
	_, ok := p.PreferredDevice(DeviceTrainer)
	assert.False(t, ok)

	p.SetPreferredDevice(DeviceTrainer, "AA:BB:CC:DD:EE:01")
	p.SetPreferredDevice(DeviceHeartRate, "AA:BB:CC:DD:EE:02")

	// a fresh instance sees the persisted choices
	p = NewPreferences(path, logger)
	id, ok := p.PreferredDevice(DeviceTrainer)
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", id)
	id, ok = p.PreferredDevice(DeviceHeartRate)
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:02", id)
}

func TestPreferencesToleratesCorruptFile(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	p := NewPreferences(path, logger)
	_, ok := p.PreferredDevice(DeviceTrainer)
	assert.False(t, ok)

	// saving over the corrupt file recovers it
	p.SetPreferredDevice(DeviceTrainer, "AA:BB:CC:DD:EE:01")
	p = NewPreferences(path, logger)
	_, ok = p.PreferredDevice(DeviceTrainer)
	assert.True(t, ok)
}
