// ============================================================================
// annosync Store - 本地資料集儲存
// ============================================================================
//
// Package: internal/store
// 文件: store.go
// 功能: 以 SQLite 保存團隊類別、屬性、資料集檔案與匯入紀錄，
//       提供 remote.Dataset / remote.Team 的本地實現（由 serve 指令對外提供）
//
// 資料表:
//   datasets           - 資料集 (slug, name, version)
//   classes            - 團隊類別
//   class_types        - 類別支援的標註類型
//   dataset_classes    - 類別與資料集的關聯
//   attributes         - 類別的屬性標籤
//   files              - 資料集中的檔案與 slots
//   properties         - 團隊屬性
//   property_values    - 屬性的選項
//   annotation_imports - 每次上傳的 payload
//
// 並發:
//   SQLite 單一寫入者，連線數限制為 1，所有操作依序執行
//
// ============================================================================

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/annosync/internal/remote"
	"github.com/ChuLiYu/annosync/pkg/types"
)

var log = slog.Default()

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS datasets (
  slug    TEXT PRIMARY KEY,
  name    TEXT NOT NULL,
  version INTEGER NOT NULL DEFAULT 2
);

CREATE TABLE IF NOT EXISTS classes (
  id   TEXT PRIMARY KEY,
  name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS class_types (
  class_id TEXT NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
  type     TEXT NOT NULL,
  PRIMARY KEY (class_id, type)
);

CREATE TABLE IF NOT EXISTS dataset_classes (
  dataset  TEXT NOT NULL REFERENCES datasets(slug) ON DELETE CASCADE,
  class_id TEXT NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
  PRIMARY KEY (dataset, class_id)
);

CREATE TABLE IF NOT EXISTS attributes (
  id       TEXT PRIMARY KEY,
  class_id TEXT NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
  name     TEXT NOT NULL,
  UNIQUE (class_id, name)
);

CREATE TABLE IF NOT EXISTS files (
  id       TEXT PRIMARY KEY,
  dataset  TEXT NOT NULL REFERENCES datasets(slug) ON DELETE CASCADE,
  filename TEXT NOT NULL,
  path     TEXT NOT NULL DEFAULT '/',
  type     TEXT NOT NULL DEFAULT 'image',
  slots    TEXT NOT NULL DEFAULT '[]',
  UNIQUE (dataset, path, filename)
);

CREATE INDEX IF NOT EXISTS idx_files_filename ON files(dataset, filename);

CREATE TABLE IF NOT EXISTS properties (
  id          TEXT PRIMARY KEY,
  name        TEXT NOT NULL,
  type        TEXT NOT NULL,
  required    BOOLEAN NOT NULL DEFAULT FALSE,
  description TEXT NOT NULL DEFAULT '',
  class_id    TEXT NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
  UNIQUE (name, class_id)
);

CREATE TABLE IF NOT EXISTS property_values (
  id          TEXT PRIMARY KEY,
  property_id TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
  type        TEXT NOT NULL,
  value       TEXT NOT NULL,
  color       TEXT NOT NULL DEFAULT '',
  position    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS annotation_imports (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  file_id     TEXT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
  overwrite   BOOLEAN NOT NULL,
  payload     TEXT NOT NULL,
  imported_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Options 儲存設定
type Options struct {
	Team string // 團隊 slug
	// MaxFilenames limits the filenames accepted in one FetchFiles filter;
	// zero means unlimited.
	MaxFilenames int
}

// Store 本地資料集儲存
type Store struct {
	db   *sql.DB
	path string
	opts Options
}

// Open 開啟（或建立）資料庫並初始化 schema。path 可為 ":memory:"
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if opts.Team == "" {
		opts.Team = "default"
	}
	s := &Store{db: db, path: path, opts: opts}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("Store opened", "path", path, "team", opts.Team)
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// TeamSlug 返回團隊 slug
func (s *Store) TeamSlug() string {
	return s.opts.Team
}

// ============================================================================
// 重試
// ============================================================================

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// withTx runs fn in a transaction, retrying the whole transaction while the
// database is busy. Inside fn only tx may be used: the pool has one connection.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func newID() string {
	return uuid.NewString()
}

// ============================================================================
// 團隊類別
// ============================================================================

// CreateTeamClass creates a class in the team without attaching it to any
// dataset.
func (s *Store) CreateTeamClass(ctx context.Context, class types.AnnotationClass) (types.RemoteClass, error) {
	var rc types.RemoteClass
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rc, err = createClass(ctx, tx, class)
		return err
	})
	return rc, err
}

func createClass(ctx context.Context, tx *sql.Tx, class types.AnnotationClass) (types.RemoteClass, error) {
	typ := class.EffectiveType()
	if class.Name == "" || typ == "" {
		return types.RemoteClass{}, fmt.Errorf("%w: class needs a name and a type", remote.ErrInvalidArgument)
	}

	var existing string
	err := tx.QueryRowContext(ctx, `
SELECT c.id FROM classes c JOIN class_types t ON t.class_id = c.id
WHERE c.name = ? AND t.type = ?`, class.Name, typ).Scan(&existing)
	switch {
	case err == nil:
		return types.RemoteClass{}, fmt.Errorf("%w: class %q (%s) already exists", remote.ErrInvalidArgument, class.Name, typ)
	case !errors.Is(err, sql.ErrNoRows):
		return types.RemoteClass{}, fmt.Errorf("lookup class: %w", err)
	}

	id := newID()
	if _, err := tx.ExecContext(ctx, `INSERT INTO classes (id, name) VALUES (?, ?)`, id, class.Name); err != nil {
		return types.RemoteClass{}, fmt.Errorf("insert class: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO class_types (class_id, type) VALUES (?, ?)`, id, typ); err != nil {
		return types.RemoteClass{}, fmt.Errorf("insert class type: %w", err)
	}
	return types.RemoteClass{ID: id, Name: class.Name, AnnotationTypes: []string{typ}}, nil
}

// CreateAttribute registers an attribute label for a class.
func (s *Store) CreateAttribute(ctx context.Context, classID, name string) (types.RemoteAttribute, error) {
	attr := types.RemoteAttribute{ID: newID(), Name: name, ClassID: classID}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := classExists(ctx, tx, classID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO attributes (id, class_id, name) VALUES (?, ?, ?)`, attr.ID, classID, name)
		if err != nil {
			return fmt.Errorf("insert attribute: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.RemoteAttribute{}, err
	}
	return attr, nil
}

func classExists(ctx context.Context, tx *sql.Tx, classID string) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM classes WHERE id = ?`, classID).Scan(&n); err != nil {
		return fmt.Errorf("lookup class: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: class %s", remote.ErrNotFound, classID)
	}
	return nil
}

// ensureGlobalClasses creates the team's raster layer class once.
func ensureGlobalClasses(ctx context.Context, tx *sql.Tx) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `
SELECT c.id FROM classes c JOIN class_types t ON t.class_id = c.id
WHERE c.name = ? AND t.type = ?`, types.RasterLayerClassName, types.TypeRasterLayer).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup raster layer class: %w", err)
	}
	rc, err := createClass(ctx, tx, types.AnnotationClass{
		Name:           types.RasterLayerClassName,
		AnnotationType: types.TypeRasterLayer,
	})
	if err != nil {
		return "", err
	}
	return rc.ID, nil
}
