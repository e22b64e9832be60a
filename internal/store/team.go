package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ChuLiYu/annosync/internal/remote"
	"github.com/ChuLiYu/annosync/pkg/types"
)

// Team is the store's team view. It implements remote.Team.
type Team struct {
	s *Store
}

var _ remote.Team = (*Team)(nil)

// Team returns the team owning every class and property in the store.
func (s *Store) Team() *Team {
	return &Team{s: s}
}

// Slug implements remote.Team.
func (t *Team) Slug() string { return t.s.opts.Team }

// Properties implements remote.Team. Values are ordered by position.
func (t *Team) Properties(ctx context.Context) ([]types.Property, error) {
	rows, err := t.s.db.QueryContext(ctx, `
SELECT id, name, type, required, description, class_id
FROM properties ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("query properties: %w", err)
	}
	var props []types.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		p.TeamSlug = t.Slug()
		props = append(props, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	values, err := t.values(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range props {
		props[i].Values = values[props[i].ID]
		if props[i].Values == nil {
			props[i].Values = []types.PropertyValue{}
		}
	}
	return props, nil
}

// CreateProperty implements remote.Team. The property's values are stored in
// order and each gets a new id.
func (t *Team) CreateProperty(ctx context.Context, prop types.Property) (types.Property, error) {
	if prop.Name == "" || prop.Type == "" {
		return types.Property{}, fmt.Errorf("%w: property needs a name and a type", remote.ErrInvalidArgument)
	}
	prop.ID = newID()

	err := t.s.withTx(ctx, func(tx *sql.Tx) error {
		if err := classExists(ctx, tx, prop.AnnotationClassID); err != nil {
			return err
		}
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM properties WHERE name = ? AND class_id = ?`,
			prop.Name, prop.AnnotationClassID).Scan(&n); err != nil {
			return fmt.Errorf("lookup property: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: property %q already exists for class %s",
				remote.ErrInvalidArgument, prop.Name, prop.AnnotationClassID)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO properties (id, name, type, required, description, class_id)
VALUES (?, ?, ?, ?, ?, ?)`,
			prop.ID, prop.Name, prop.Type, prop.Required, prop.Description, prop.AnnotationClassID); err != nil {
			return fmt.Errorf("insert property: %w", err)
		}
		return appendValues(ctx, tx, prop.ID, prop.Type, prop.Values)
	})
	if err != nil {
		return types.Property{}, err
	}
	return t.get(ctx, prop.ID)
}

// UpdateProperty implements remote.Team. Values not yet registered are
// appended; existing values and their ids are kept.
func (t *Team) UpdateProperty(ctx context.Context, prop types.Property) (types.Property, error) {
	err := t.s.withTx(ctx, func(tx *sql.Tx) error {
		var typ string
		err := tx.QueryRowContext(ctx, `SELECT type FROM properties WHERE id = ?`, prop.ID).Scan(&typ)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: property %s", remote.ErrNotFound, prop.ID)
		}
		if err != nil {
			return fmt.Errorf("lookup property: %w", err)
		}
		if prop.Description != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE properties SET description = ? WHERE id = ?`, prop.Description, prop.ID); err != nil {
				return fmt.Errorf("update property: %w", err)
			}
		}
		return appendValues(ctx, tx, prop.ID, typ, prop.Values)
	})
	if err != nil {
		return types.Property{}, err
	}
	return t.get(ctx, prop.ID)
}

// appendValues inserts the values missing from the property, keyed by
// (value, type). A value without a type takes the property's type.
func appendValues(ctx context.Context, tx *sql.Tx, propertyID, propertyType string, values []types.PropertyValue) error {
	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM property_values WHERE property_id = ?`,
		propertyID).Scan(&next); err != nil {
		return fmt.Errorf("lookup value position: %w", err)
	}

	for _, v := range values {
		if v.Type == "" {
			v.Type = propertyType
		}
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM property_values WHERE property_id = ? AND value = ? AND type = ?`,
			propertyID, v.Value, v.Type).Scan(&n); err != nil {
			return fmt.Errorf("lookup value: %w", err)
		}
		if n > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO property_values (id, property_id, type, value, color, position)
VALUES (?, ?, ?, ?, ?, ?)`,
			newID(), propertyID, v.Type, v.Value, v.Color, next); err != nil {
			return fmt.Errorf("insert value: %w", err)
		}
		next++
	}
	return nil
}

func (t *Team) get(ctx context.Context, id string) (types.Property, error) {
	row := t.s.db.QueryRowContext(ctx, `
SELECT id, name, type, required, description, class_id
FROM properties WHERE id = ?`, id)
	p, err := scanProperty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Property{}, fmt.Errorf("%w: property %s", remote.ErrNotFound, id)
	}
	if err != nil {
		return types.Property{}, err
	}
	p.TeamSlug = t.Slug()

	values, err := t.values(ctx, id)
	if err != nil {
		return types.Property{}, err
	}
	p.Values = values[id]
	if p.Values == nil {
		p.Values = []types.PropertyValue{}
	}
	return p, nil
}

// values returns property id -> values; an empty id selects every property.
func (t *Team) values(ctx context.Context, propertyID string) (map[string][]types.PropertyValue, error) {
	query := `SELECT property_id, id, type, value, color, position FROM property_values`
	var args []any
	if propertyID != "" {
		query += ` WHERE property_id = ?`
		args = append(args, propertyID)
	}
	query += ` ORDER BY property_id, position`

	rows, err := t.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query values: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]types.PropertyValue)
	for rows.Next() {
		var (
			pid string
			v   types.PropertyValue
			pos int
		)
		if err := rows.Scan(&pid, &v.ID, &v.Type, &v.Value, &v.Color, &pos); err != nil {
			return nil, fmt.Errorf("scan value: %w", err)
		}
		v.Position = &pos
		out[pid] = append(out[pid], v)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProperty(row scanner) (types.Property, error) {
	var p types.Property
	if err := row.Scan(&p.ID, &p.Name, &p.Type, &p.Required, &p.Description, &p.AnnotationClassID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan property: %w", err)
	}
	return p, nil
}
