package account

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/modelpool/modelpool/internal/utils"
)

// Storage handles reading and writing the accounts file.
type Storage struct {
	path string
}

// NewStorage creates a Storage for the given file path.
func NewStorage(path string) *Storage {
	return &Storage{path: path}
}

// Path returns the accounts file path.
func (s *Storage) Path() string {
	return s.path
}

// Load reads the raw accounts file. A missing, unreadable, or corrupt file
// is treated as "no accounts" so startup never fails on bad state; exists
// reports whether a parseable file was found (used to gate legacy
// migration).
func (s *Storage) Load() (raw *fileConfig, exists bool) {
	empty := &fileConfig{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			utils.Error("[AccountStore] Failed to read accounts file: %v", err)
		}
		return empty, false
	}

	var cfg fileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		utils.Error("[AccountStore] Failed to parse accounts file: %v", err)
		return empty, false
	}

	return &cfg, true
}

// LoadLegacy reads the legacy single-account auth file, if present.
func LoadLegacy(path string) (*legacyAuthFile, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var legacy legacyAuthFile
	if err := json.Unmarshal(data, &legacy); err != nil {
		utils.Warn("[AccountStore] Ignoring unparseable legacy auth file: %v", err)
		return nil, false
	}

	return &legacy, true
}

// Save writes the accounts file atomically: temp file, fsync, chmod 0600,
// rename.
func (s *Storage) Save(cfg *ConfigFile) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, ".accounts-*.tmp")
	if err != nil {
		return err
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return err
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tempPath, 0600); err != nil {
		return err
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		return err
	}

	success = true
	return nil
}
