package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"

	"tradecore/internal/config"
	"tradecore/internal/dlq"
	"tradecore/internal/repository"
)

// openDatabase открывает пул соединений Postgres и проверяет доступность
func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database (%s): %w", cfg.DSNWithoutPassword(), err)
	}
	return db, nil
}

// stateDirs - каталоги файлов состояния внутри STATE_DIR
type stateDirs struct {
	Dedup     string
	DailyLoss string
	DLQFile   string
}

func newStateDirs(root string) (stateDirs, error) {
	dirs := stateDirs{
		Dedup:     filepath.Join(root, "dedup"),
		DailyLoss: filepath.Join(root, "daily_loss"),
		DLQFile:   filepath.Join(root, "dlq.json"),
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return dirs, fmt.Errorf("create state dir %s: %w", root, err)
	}
	return dirs, nil
}

// openDLQStore выбирает хранилище DLQ: файл в dry-run, иначе таблица dlq_entries.
// Возвращает функцию закрытия ресурсов, которые хранилище открыло само.
func openDLQStore(ctx context.Context, cfg *config.Config) (dlq.Store, func(), error) {
	if cfg.Bot.DryRun {
		dirs, err := newStateDirs(cfg.Bot.StateDir)
		if err != nil {
			return nil, nil, err
		}
		store, err := dlq.NewFileStore(dirs.DLQFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open dlq file: %w", err)
		}
		return store, func() {}, nil
	}

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewDLQRepository(db), func() { db.Close() }, nil
}
