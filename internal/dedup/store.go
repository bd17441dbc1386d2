package dedup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tradecore/pkg/utils"
)

// State - сохраняемое состояние пользователя
type State struct {
	ProcessedSignals map[string]Record `json:"processed_signals"`
	LastBySymbol     map[string]Record `json:"last_signal_by_symbol"`
	PersistedAt      time.Time         `json:"persisted_at"`
}

// Store - хранилище состояния дедупликации
type Store interface {
	Load(userID string) (*State, error) // nil, nil если состояния нет
	Save(userID string, s *State) error
}

// FileStore хранит состояние в JSON-файлах signals_<user>.json
type FileStore struct {
	dir string
}

// NewFileStore создает хранилище в каталоге dir
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dedup dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(userID string) string {
	return filepath.Join(f.dir, "signals_"+utils.SafeFileName(userID, 50)+".json")
}

// Load читает состояние пользователя
func (f *FileStore) Load(userID string) (*State, error) {
	var s State
	found, err := utils.ReadJSONFile(f.path(userID), &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

// Save записывает состояние пользователя
func (f *FileStore) Save(userID string, s *State) error {
	return utils.WriteJSONFile(f.path(userID), s)
}
