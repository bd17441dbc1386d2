package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// jsonfile.go - JSON-файлы состояния (дедупликация, дневные лимиты, файловая DLQ)

var stateJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ReadJSONFile читает path в v. Если файла нет, возвращает false без ошибки.
func ReadJSONFile(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := stateJSON.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// WriteJSONFile атомарно записывает v в path (временный файл + rename)
func WriteJSONFile(path string, v interface{}) error {
	data, err := stateJSON.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// SafeFileName приводит идентификатор к имени файла без разделителей пути
func SafeFileName(id string, maxLen int) string {
	safe := strings.NewReplacer("/", "_", `\`, "_", "..", "_", ":", "_").Replace(id)
	if maxLen > 0 && len(safe) > maxLen {
		safe = safe[:maxLen]
	}
	if safe == "" {
		safe = "_"
	}
	return safe
}
