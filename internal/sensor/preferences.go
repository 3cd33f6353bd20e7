package sensor

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
)

type preferencesData struct {
	PreferredDeviceByType map[DeviceType]string `json:"preferred_device_by_type"`
}

// Preferences remembers which device the rider last used per device
// type, so discovery can reconnect to the same trainer or strap
// without asking. Load and save failures are logged and tolerated.
type Preferences struct {
	filePath string
	data     preferencesData
	logger   *log.Logger
}

// NewPreferences loads the store from path, or starts empty when the
// file does not exist. An empty path defaults to the user config dir.
func NewPreferences(path string, logger *log.Logger) *Preferences {
	if logger == nil {
		panic("Preferences: logger cannot be nil")
	}
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			configDir = "."
		}
		path = filepath.Join(configDir, "ergdrive", "devices.json")
	}
	p := &Preferences{filePath: path, logger: logger}
	p.load()
	return p
}

// PreferredDevice returns the remembered device id for a type.
func (p *Preferences) PreferredDevice(t DeviceType) (string, bool) {
	id, ok := p.data.PreferredDeviceByType[t]
	return id, ok
}

// SetPreferredDevice remembers deviceID for a type and persists.
func (p *Preferences) SetPreferredDevice(t DeviceType, deviceID string) {
	p.data.PreferredDeviceByType[t] = deviceID
	p.save()
}

func (p *Preferences) load() {
	p.data = preferencesData{
		PreferredDeviceByType: make(map[DeviceType]string),
	}
	raw, err := os.ReadFile(p.filePath)
	if err != nil {
		return
	}
	if err := json.Unmarshal(raw, &p.data); err != nil {
		p.logger.Printf("preferences: %s is not valid json: %v", p.filePath, err)
		return
	}
	if p.data.PreferredDeviceByType == nil {
		p.data.PreferredDeviceByType = make(map[DeviceType]string)
	}
}

func (p *Preferences) save() {
	if err := os.MkdirAll(filepath.Dir(p.filePath), 0755); err != nil {
		p.logger.Printf("preferences: mkdir failed: %v", err)
		return
	}
	raw, err := json.MarshalIndent(p.data, "", "  ")
	if err != nil {
		p.logger.Printf("preferences: marshal failed: %v", err)
		return
	}
	if err := os.WriteFile(p.filePath, raw, 0644); err != nil {
		p.logger.Printf("preferences: save %s failed: %v", p.filePath, err)
	}
}
