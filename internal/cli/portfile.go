package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// portFile is the runtime discovery record written next to the
// database so surrounding tooling can find a running orchestrator.
type portFile struct {
	Port         int    `json:"port"`
	RuntimeToken string `json:"runtimeToken"`
}

// writePortFile writes {port, runtimeToken} atomically: temp file in
// the target directory, then rename. A crash mid-write never leaves a
// partial file behind.
func writePortFile(path string, port int) error {
	data, err := json.Marshal(portFile{Port: port, RuntimeToken: uuid.NewString()})
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create port file directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".portfile-*")
	if err != nil {
		return fmt.Errorf("create temp port file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write port file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync port file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close port file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("publish port file: %w", err)
	}
	return nil
}
