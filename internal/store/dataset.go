package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/ChuLiYu/annosync/internal/remote"
	"github.com/ChuLiYu/annosync/pkg/types"
)

// Dataset is a view of one dataset in the store. It implements remote.Dataset.
type Dataset struct {
	s       *Store
	slug    string
	name    string
	version int
}

var _ remote.Dataset = (*Dataset)(nil)

// DatasetInfo describes a dataset.
type DatasetInfo struct {
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// EnsureDataset creates the dataset when missing and attaches the team's
// raster layer class to it.
func (s *Store) EnsureDataset(ctx context.Context, info DatasetInfo) (*Dataset, error) {
	if info.Slug == "" {
		return nil, fmt.Errorf("%w: dataset slug is empty", remote.ErrInvalidArgument)
	}
	if info.Name == "" {
		info.Name = info.Slug
	}
	if info.Version == 0 {
		info.Version = 2
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO datasets (slug, name, version) VALUES (?, ?, ?)`,
			info.Slug, info.Name, info.Version); err != nil {
			return fmt.Errorf("insert dataset: %w", err)
		}
		rasterID, err := ensureGlobalClasses(ctx, tx)
		if err != nil {
			return err
		}
		return attachClass(ctx, tx, info.Slug, rasterID)
	})
	if err != nil {
		return nil, err
	}
	return s.OpenDataset(ctx, info.Slug)
}

// OpenDataset returns the dataset with the given slug.
func (s *Store) OpenDataset(ctx context.Context, slug string) (*Dataset, error) {
	d := &Dataset{s: s, slug: slug}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, version FROM datasets WHERE slug = ?`, slug).Scan(&d.name, &d.version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dataset %s", remote.ErrNotFound, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	return d, nil
}

func attachClass(ctx context.Context, tx *sql.Tx, dataset, classID string) error {
	if err := classExists(ctx, tx, classID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO dataset_classes (dataset, class_id) VALUES (?, ?)`, dataset, classID)
	if err != nil {
		return fmt.Errorf("attach class: %w", err)
	}
	return nil
}

// Slug implements remote.Dataset.
func (d *Dataset) Slug() string { return d.slug }

// Name is the dataset's display name.
func (d *Dataset) Name() string { return d.name }

// Version implements remote.Dataset.
func (d *Dataset) Version() int { return d.version }

// Info returns the dataset description.
func (d *Dataset) Info() DatasetInfo {
	return DatasetInfo{Slug: d.slug, Name: d.name, Version: d.version}
}

// FetchClasses implements remote.Dataset.
func (d *Dataset) FetchClasses(ctx context.Context, teamWide bool) ([]types.RemoteClass, error) {
	query := `
SELECT c.id, c.name, dc.class_id IS NOT NULL
FROM classes c
LEFT JOIN dataset_classes dc ON dc.class_id = c.id AND dc.dataset = ?`
	if !teamWide {
		query += ` WHERE dc.class_id IS NOT NULL`
	}
	query += ` ORDER BY c.name, c.id`

	rows, err := d.s.db.QueryContext(ctx, query, d.slug)
	if err != nil {
		return nil, fmt.Errorf("query classes: %w", err)
	}
	var classes []types.RemoteClass
	index := make(map[string]int)
	for rows.Next() {
		var c types.RemoteClass
		if err := rows.Scan(&c.ID, &c.Name, &c.Available); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan class: %w", err)
		}
		index[c.ID] = len(classes)
		classes = append(classes, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	trows, err := d.s.db.QueryContext(ctx, `SELECT class_id, type FROM class_types ORDER BY class_id, type`)
	if err != nil {
		return nil, fmt.Errorf("query class types: %w", err)
	}
	defer trows.Close()
	for trows.Next() {
		var id, typ string
		if err := trows.Scan(&id, &typ); err != nil {
			return nil, fmt.Errorf("scan class type: %w", err)
		}
		if i, ok := index[id]; ok {
			classes[i].AnnotationTypes = append(classes[i].AnnotationTypes, typ)
		}
	}
	return classes, trows.Err()
}

// FetchAttributes implements remote.Dataset. Attributes of every class
// attached to the dataset are returned.
func (d *Dataset) FetchAttributes(ctx context.Context) ([]types.RemoteAttribute, error) {
	rows, err := d.s.db.QueryContext(ctx, `
SELECT a.id, a.name, a.class_id
FROM attributes a
JOIN dataset_classes dc ON dc.class_id = a.class_id AND dc.dataset = ?
ORDER BY a.class_id, a.name`, d.slug)
	if err != nil {
		return nil, fmt.Errorf("query attributes: %w", err)
	}
	defer rows.Close()

	var attrs []types.RemoteAttribute
	for rows.Next() {
		var a types.RemoteAttribute
		if err := rows.Scan(&a.ID, &a.Name, &a.ClassID); err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		attrs = append(attrs, a)
	}
	return attrs, rows.Err()
}

// FetchFiles implements remote.Dataset. A filter with more filenames than
// MaxFilenames is rejected with remote.ErrRequestTooLarge.
func (d *Dataset) FetchFiles(ctx context.Context, filter remote.FileFilter) ([]types.RemoteFile, error) {
	if limit := d.s.opts.MaxFilenames; limit > 0 && len(filter.Filenames) > limit {
		return nil, fmt.Errorf("%w: %d filenames, limit %d", remote.ErrRequestTooLarge, len(filter.Filenames), limit)
	}

	query := `SELECT id, filename, path, slots FROM files WHERE dataset = ?`
	args := []any{d.slug}
	if len(filter.Types) > 0 {
		query += ` AND type IN (` + placeholders(len(filter.Types)) + `)`
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if len(filter.Filenames) > 0 {
		query += ` AND filename IN (` + placeholders(len(filter.Filenames)) + `)`
		for _, f := range filter.Filenames {
			args = append(args, f)
		}
	}
	query += ` ORDER BY path, filename`

	rows, err := d.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var files []types.RemoteFile
	for rows.Next() {
		var (
			f     types.RemoteFile
			slots string
		)
		if err := rows.Scan(&f.ID, &f.Filename, &f.Path, &slots); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		if err := json.Unmarshal([]byte(slots), &f.Slots); err != nil {
			return nil, fmt.Errorf("decode slots of %s: %w", f.Filename, err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// CreateClass implements remote.Dataset.
func (d *Dataset) CreateClass(ctx context.Context, class types.AnnotationClass) (types.RemoteClass, error) {
	var rc types.RemoteClass
	err := d.s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if rc, err = createClass(ctx, tx, class); err != nil {
			return err
		}
		return attachClass(ctx, tx, d.slug, rc.ID)
	})
	if err != nil {
		return types.RemoteClass{}, err
	}
	rc.Available = true
	return rc, nil
}

// AddClass implements remote.Dataset.
func (d *Dataset) AddClass(ctx context.Context, classID string) error {
	return d.s.withTx(ctx, func(tx *sql.Tx) error {
		return attachClass(ctx, tx, d.slug, classID)
	})
}

// ImportAnnotations implements remote.Dataset. Every record must reference a
// class attached to the dataset. With overwrite the file's previous imports
// are replaced.
func (d *Dataset) ImportAnnotations(ctx context.Context, fileID string, payload types.Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	overwrite := payload.Overwrite != "false"

	return d.s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM files WHERE id = ? AND dataset = ?`, fileID, d.slug).Scan(&n); err != nil {
			return fmt.Errorf("lookup file: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: file %s", remote.ErrNotFound, fileID)
		}

		for _, rec := range payload.Annotations {
			var attached int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM dataset_classes WHERE dataset = ? AND class_id = ?`,
				d.slug, rec.AnnotationClassID).Scan(&attached); err != nil {
				return fmt.Errorf("lookup class: %w", err)
			}
			if attached == 0 {
				return fmt.Errorf("%w: class %s is not in dataset %s",
					remote.ErrInvalidArgument, rec.AnnotationClassID, d.slug)
			}
		}

		if overwrite {
			if _, err := tx.ExecContext(ctx, `DELETE FROM annotation_imports WHERE file_id = ?`, fileID); err != nil {
				return fmt.Errorf("clear imports: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO annotation_imports (file_id, overwrite, payload) VALUES (?, ?, ?)`,
			fileID, overwrite, string(body)); err != nil {
			return fmt.Errorf("insert import: %w", err)
		}
		log.Debug("Annotations imported", "dataset", d.slug, "file_id", fileID,
			"annotations", len(payload.Annotations), "overwrite", overwrite)
		return nil
	})
}

// ============================================================================
// 檔案
// ============================================================================

// RegisterFile adds a file to the dataset. Type defaults to "image" and
// path to "/".
func (d *Dataset) RegisterFile(ctx context.Context, f types.RemoteFile, itemType string) (types.RemoteFile, error) {
	if f.Filename == "" {
		return types.RemoteFile{}, fmt.Errorf("%w: filename is empty", remote.ErrInvalidArgument)
	}
	if itemType == "" {
		itemType = "image"
	}
	f.Path = path.Join("/", f.Path)
	if f.Slots == nil {
		f.Slots = []types.Slot{}
	}
	slots, err := json.Marshal(f.Slots)
	if err != nil {
		return types.RemoteFile{}, fmt.Errorf("encode slots: %w", err)
	}
	f.ID = newID()

	err = d.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO files (id, dataset, filename, path, type, slots) VALUES (?, ?, ?, ?, ?, ?)`,
			f.ID, d.slug, f.Filename, f.Path, itemType, string(slots))
		if err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.RemoteFile{}, err
	}
	return f, nil
}

// Annotations returns the records imported for a file, oldest import first.
func (d *Dataset) Annotations(ctx context.Context, fileID string) ([]types.AnnotationRecord, error) {
	rows, err := d.s.db.QueryContext(ctx, `
SELECT i.payload FROM annotation_imports i
JOIN files f ON f.id = i.file_id AND f.dataset = ?
WHERE i.file_id = ? ORDER BY i.id`, d.slug, fileID)
	if err != nil {
		return nil, fmt.Errorf("query imports: %w", err)
	}
	defer rows.Close()

	var records []types.AnnotationRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan import: %w", err)
		}
		var p types.Payload
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, fmt.Errorf("decode import: %w", err)
		}
		records = append(records, p.Annotations...)
	}
	return records, rows.Err()
}
