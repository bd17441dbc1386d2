package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"tradecore/internal/models"
)

// settings.go - риск-настройки пользователей из YAML
//
// Формат файла:
//
//	defaults:
//	  risk_level: 3
//	  max_position_size: 1000
//	users:
//	  alice:
//	    risk_level: 2
//
// Поля пользователя поверх defaults, defaults поверх models.DefaultRiskSettings.
// Невалидный файл отклоняется целиком, остаются последние корректные настройки.

// settingsFile - структура YAML файла
type settingsFile struct {
	Defaults yaml.Node            `yaml:"defaults"`
	Users    map[string]yaml.Node `yaml:"users"`
}

// SettingsStore - потокобезопасное хранилище RiskSettings
type SettingsStore struct {
	path     string
	mu       sync.RWMutex
	defaults yaml.Node
	users    map[string]models.RiskSettings
	onChange []func()
}

// NewSettingsStore создает хранилище. Пустой path - только значения по умолчанию.
func NewSettingsStore(path string) *SettingsStore {
	return &SettingsStore{
		path:  path,
		users: make(map[string]models.RiskSettings),
	}
}

// Path возвращает путь к файлу настроек
func (s *SettingsStore) Path() string {
	return s.path
}

// Load читает файл. Отсутствующий файл не ошибка.
func (s *SettingsStore) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read settings: %w", err)
	}
	return s.apply(data)
}

// Reload перечитывает файл и уведомляет подписчиков при успехе
func (s *SettingsStore) Reload() error {
	if err := s.Load(); err != nil {
		return err
	}
	s.notify()
	return nil
}

// apply разбирает YAML и атомарно заменяет настройки
func (s *SettingsStore) apply(data []byte) error {
	var file settingsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}

	users := make(map[string]models.RiskSettings, len(file.Users))
	for userID, node := range file.Users {
		rs, err := decodeSettings(userID, file.Defaults, node)
		if err != nil {
			return err
		}
		users[userID] = rs
	}

	if _, err := decodeSettings("", file.Defaults, yaml.Node{}); err != nil {
		return err
	}

	s.mu.Lock()
	s.defaults = file.Defaults
	s.users = users
	s.mu.Unlock()
	return nil
}

// decodeSettings накладывает defaults и поля пользователя на значения по умолчанию
func decodeSettings(userID string, defaults, user yaml.Node) (models.RiskSettings, error) {
	rs := models.DefaultRiskSettings(userID)
	if !defaults.IsZero() {
		if err := defaults.Decode(&rs); err != nil {
			return rs, fmt.Errorf("settings defaults: %w", err)
		}
	}
	if !user.IsZero() {
		if err := user.Decode(&rs); err != nil {
			return rs, fmt.Errorf("settings for %q: %w", userID, err)
		}
	}
	rs.UserID = userID

	label := userID
	if label == "" {
		label = "defaults"
	}
	if err := rs.Validate(); err != nil {
		return rs, fmt.Errorf("settings for %s: %w", label, err)
	}
	return rs, nil
}

// Get возвращает настройки пользователя (копию)
func (s *SettingsStore) Get(userID string) models.RiskSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rs, ok := s.users[userID]; ok {
		return rs
	}
	rs, err := decodeSettings(userID, s.defaults, yaml.Node{})
	if err != nil {
		return models.DefaultRiskSettings(userID)
	}
	return rs
}

// Set - явное обновление настроек пользователя (только в памяти)
func (s *SettingsStore) Set(rs models.RiskSettings) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.users[rs.UserID] = rs
	s.mu.Unlock()
	s.notify()
	return nil
}

// OnChange регистрирует колбэк на изменение настроек
func (s *SettingsStore) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

func (s *SettingsStore) notify() {
	s.mu.RLock()
	callbacks := append([]func(){}, s.onChange...)
	s.mu.RUnlock()

	for _, fn := range callbacks {
		fn()
	}
}
