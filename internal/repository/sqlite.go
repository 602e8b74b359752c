package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/pixelsett/internal/canvas"
	"github.com/mattn/go-sqlite3"
)

// SQLite implements Repository on a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

var _ Repository = (*SQLite)(nil)

// OpenSQLite migrates the database at path to the latest schema and opens it.
func OpenSQLite(path string) (*SQLite, error) {
	if err := MigrateUp(path); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction.
func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// CreateCanvas inserts the canvas, its owner as first collaborator and all grid cells.
func (s *SQLite) CreateCanvas(ctx context.Context, c *canvas.Canvas, color int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO canvases(id, name, owner, state, invite_code, canvas_pda, mint_address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Name, c.Owner, string(c.State), c.InviteCode,
			nullString(c.CanvasAddress), nullString(c.MintAddress), c.CreatedAt, c.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return canvas.ErrNameTaken
			}
			return fmt.Errorf("failed to insert canvas: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO canvas_collaborators(canvas_id, identity, joined_at) VALUES (?, ?, ?)`,
			c.ID, c.Owner, c.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert owner collaborator: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO pixels(canvas_id, x, y, color, price_lamports, updated_at) VALUES (?, ?, ?, ?, 0, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare pixel insert: %w", err)
		}
		defer stmt.Close()

		for y := 0; y < canvas.Height; y++ {
			for x := 0; x < canvas.Width; x++ {
				if _, err := stmt.ExecContext(ctx, c.ID, x, y, color, c.CreatedAt); err != nil {
					return fmt.Errorf("failed to insert pixel (%d,%d): %w", x, y, err)
				}
			}
		}
		return nil
	})
}

const canvasColumns = `id, name, owner, state, invite_code, canvas_pda, mint_address, created_at, updated_at, published_at, minted_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCanvas(row rowScanner) (*canvas.Canvas, error) {
	var (
		c                     canvas.Canvas
		state                 string
		pda, mint             sql.NullString
		publishedAt, mintedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Owner, &state, &c.InviteCode, &pda, &mint,
		&c.CreatedAt, &c.UpdatedAt, &publishedAt, &mintedAt); err != nil {
		return nil, err
	}
	c.State = canvas.State(state)
	c.CanvasAddress = pda.String
	c.MintAddress = mint.String
	if publishedAt.Valid {
		t := publishedAt.Time
		c.PublishedAt = &t
	}
	if mintedAt.Valid {
		t := mintedAt.Time
		c.MintedAt = &t
	}
	return &c, nil
}

func (s *SQLite) loadCollaborators(ctx context.Context, c *canvas.Canvas) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity FROM canvas_collaborators WHERE canvas_id = ? ORDER BY joined_at, identity`, c.ID)
	if err != nil {
		return fmt.Errorf("failed to query collaborators: %w", err)
	}
	defer rows.Close()

	c.Collaborators = c.Collaborators[:0]
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return fmt.Errorf("failed to scan collaborator: %w", err)
		}
		c.Collaborators = append(c.Collaborators, identity)
	}
	return rows.Err()
}

func (s *SQLite) getCanvasWhere(ctx context.Context, where string, arg interface{}) (*canvas.Canvas, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+canvasColumns+` FROM canvases WHERE `+where, arg)
	c, err := scanCanvas(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, canvas.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read canvas: %w", err)
	}
	if err := s.loadCollaborators(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// GetCanvas returns canvas.ErrNotFound if id does not exist.
func (s *SQLite) GetCanvas(ctx context.Context, id string) (*canvas.Canvas, error) {
	return s.getCanvasWhere(ctx, `id = ?`, id)
}

// GetCanvasByInviteCode returns canvas.ErrNotFound if no canvas uses code.
func (s *SQLite) GetCanvasByInviteCode(ctx context.Context, code string) (*canvas.Canvas, error) {
	return s.getCanvasWhere(ctx, `invite_code = ?`, code)
}

// casResult turns a zero-row conditional write into ErrNotFound or ErrStateConflict.
func (s *SQLite) casResult(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM canvases WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check canvas existence: %w", err)
	}
	if exists == 0 {
		return canvas.ErrNotFound
	}
	return canvas.ErrStateConflict
}

// UpdateCanvasState writes next if the stored state is still from.
func (s *SQLite) UpdateCanvasState(ctx context.Context, next *canvas.Canvas, from canvas.State) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE canvases
	SET state = ?, canvas_pda = ?, mint_address = ?, updated_at = ?, published_at = ?, minted_at = ?
	WHERE id = ? AND state = ?`,
		string(next.State), nullString(next.CanvasAddress), nullString(next.MintAddress),
		next.UpdatedAt, nullTime(next.PublishedAt), nullTime(next.MintedAt),
		next.ID, string(from))
	if err != nil {
		return fmt.Errorf("failed to update canvas state: %w", err)
	}
	return s.casResult(ctx, res, next.ID)
}

// UpdateCanvasName renames the canvas if the stored state is still from.
func (s *SQLite) UpdateCanvasName(ctx context.Context, id, name string, from canvas.State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE canvases SET name = ?, updated_at = ? WHERE id = ? AND state = ?`,
		name, time.Now().UTC(), id, string(from))
	if err != nil {
		if isUniqueViolation(err) {
			return canvas.ErrNameTaken
		}
		return fmt.Errorf("failed to rename canvas: %w", err)
	}
	return s.casResult(ctx, res, id)
}

// DeleteCanvas removes the canvas, its collaborators and its pixels if the stored state is still from.
func (s *SQLite) DeleteCanvas(ctx context.Context, id string, from canvas.State) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM canvases WHERE id = ? AND state = ?`, id, string(from))
	if err != nil {
		return fmt.Errorf("failed to delete canvas: %w", err)
	}
	return s.casResult(ctx, res, id)
}

// AddCollaborator adds identity unless the canvas already has max collaborators.
// Returns false without error if identity is already a collaborator.
func (s *SQLite) AddCollaborator(ctx context.Context, id, identity string, max int) (bool, error) {
	added := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var member, count int
		err := tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN identity = ? THEN 1 ELSE 0 END), 0),
			COUNT(*)
		FROM canvas_collaborators WHERE canvas_id = ?`, identity, id).Scan(&member, &count)
		if err != nil {
			return fmt.Errorf("failed to count collaborators: %w", err)
		}
		if member > 0 {
			return nil
		}
		if max > 0 && count >= max {
			return canvas.ErrCollaboratorLimit
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO canvas_collaborators(canvas_id, identity, joined_at) VALUES (?, ?, ?)`,
			id, identity, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to insert collaborator: %w", err)
		}
		added = true
		return nil
	})
	return added, err
}

// IsCollaborator reports whether identity may work on the canvas.
func (s *SQLite) IsCollaborator(ctx context.Context, canvasID, identity string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM canvas_collaborators WHERE canvas_id = ? AND identity = ?`,
		canvasID, identity).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check collaborator: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) listCanvases(ctx context.Context, query string, args ...interface{}) ([]*canvas.Canvas, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list canvases: %w", err)
	}
	defer rows.Close()

	var out []*canvas.Canvas
	for rows.Next() {
		c, err := scanCanvas(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan canvas: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListCanvasesByOwner returns canvases owned by owner, newest first. Collaborators are not loaded.
func (s *SQLite) ListCanvasesByOwner(ctx context.Context, owner string) ([]*canvas.Canvas, error) {
	return s.listCanvases(ctx,
		`SELECT `+canvasColumns+` FROM canvases WHERE owner = ? ORDER BY created_at DESC, id`, owner)
}

// ListCanvasesByCollaborator returns canvases identity has joined, including owned ones.
func (s *SQLite) ListCanvasesByCollaborator(ctx context.Context, identity string) ([]*canvas.Canvas, error) {
	return s.listCanvases(ctx, `
	SELECT c.id, c.name, c.owner, c.state, c.invite_code, c.canvas_pda, c.mint_address,
	       c.created_at, c.updated_at, c.published_at, c.minted_at
	FROM canvases c
	JOIN canvas_collaborators cc ON cc.canvas_id = c.id
	WHERE cc.identity = ?
	ORDER BY c.created_at DESC, c.id`, identity)
}

// ListCanvasesByState returns canvases currently in any of states.
func (s *SQLite) ListCanvasesByState(ctx context.Context, states ...canvas.State) ([]*canvas.Canvas, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]interface{}, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	return s.listCanvases(ctx,
		`SELECT `+canvasColumns+` FROM canvases WHERE state IN (`+placeholders+`) ORDER BY updated_at, id`, args...)
}

// FindCanvasIDs returns the ids of canvases whose id starts with prefix.
func (s *SQLite) FindCanvasIDs(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM canvases WHERE substr(id, 1, ?) = ? ORDER BY id`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to search canvases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan canvas id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanPixel(row rowScanner) (*canvas.Pixel, error) {
	var (
		p     canvas.Pixel
		owner sql.NullString
		price int64
	)
	if err := row.Scan(&p.X, &p.Y, &p.Color, &owner, &price, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Owner = owner.String
	p.PriceLamports = uint64(price)
	return &p, nil
}

// GetPixel returns canvas.ErrNotFound if the canvas does not exist.
func (s *SQLite) GetPixel(ctx context.Context, canvasID string, x, y int) (*canvas.Pixel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT x, y, color, owner, price_lamports, updated_at FROM pixels WHERE canvas_id = ? AND x = ? AND y = ?`,
		canvasID, x, y)
	p, err := scanPixel(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, canvas.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read pixel: %w", err)
	}
	return p, nil
}

// GetPixels returns every cell of the canvas in row-major order.
func (s *SQLite) GetPixels(ctx context.Context, canvasID string) ([]canvas.Pixel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT x, y, color, owner, price_lamports, updated_at FROM pixels WHERE canvas_id = ? ORDER BY y, x`,
		canvasID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pixels: %w", err)
	}
	defer rows.Close()

	out := make([]canvas.Pixel, 0, canvas.CellCount)
	for rows.Next() {
		p, err := scanPixel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pixel: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// SetPixelColor recolors a pixel still owned by owner.
func (s *SQLite) SetPixelColor(ctx context.Context, canvasID string, x, y, color int, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pixels SET color = ?, updated_at = ? WHERE canvas_id = ? AND x = ? AND y = ? AND owner = ?`,
		color, time.Now().UTC(), canvasID, x, y, owner)
	if err != nil {
		return fmt.Errorf("failed to update pixel color: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrOwnershipChanged
	}
	return nil
}

// SetPixelOwner records a settled purchase if the pixel still matches the snapshot
// and the new price is strictly higher.
func (s *SQLite) SetPixelOwner(ctx context.Context, canvasID string, change OwnerChange) error {
	if change.Owner == "" || change.PriceLamports <= change.PreviousPrice {
		return fmt.Errorf("invalid owner change: price %d must exceed %d", change.PriceLamports, change.PreviousPrice)
	}

	res, err := s.db.ExecContext(ctx, `
	UPDATE pixels
	SET owner = ?, price_lamports = ?, color = ?, updated_at = ?
	WHERE canvas_id = ? AND x = ? AND y = ?
	  AND COALESCE(owner, '') = ? AND price_lamports = ?`,
		change.Owner, change.PriceLamports, change.Color, time.Now().UTC(),
		canvasID, change.X, change.Y, change.PreviousOwner, change.PreviousPrice)
	if err != nil {
		return fmt.Errorf("failed to update pixel owner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrPriceConflict
	}
	return nil
}

// OwnershipTotals sums owned pixel prices per owner.
func (s *SQLite) OwnershipTotals(ctx context.Context, canvasID string) (map[string]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT owner, SUM(price_lamports) FROM pixels
	WHERE canvas_id = ? AND owner IS NOT NULL
	GROUP BY owner`, canvasID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ownership: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]uint64)
	for rows.Next() {
		var (
			owner string
			sum   int64
		)
		if err := rows.Scan(&owner, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan ownership total: %w", err)
		}
		totals[owner] = uint64(sum)
	}
	return totals, rows.Err()
}
