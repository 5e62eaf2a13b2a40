package blobstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const blobColumns = "id, filename, content_type, size_bytes, chunk_size, chunk_count, created_unix"

// SQLStore keeps blobs in two tables, one row per blob and one row per chunk,
// mirroring a GridFS bucket. The blob row is inserted last, so a blob becomes
// visible only after all of its chunks are stored.
type SQLStore struct {
	db        *sqlx.DB
	chunkSize int
}

type blobRow struct {
	ID          string `db:"id"`
	Filename    string `db:"filename"`
	ContentType string `db:"content_type"`
	SizeBytes   int64  `db:"size_bytes"`
	ChunkSize   int    `db:"chunk_size"`
	ChunkCount  int    `db:"chunk_count"`
	CreatedUnix int64  `db:"created_unix"`
}

// NewSQLStore uses an existing connection pool, typically the PostgreSQL
// database that already holds evidence metadata, and ensures the chunk
// tables exist.
func NewSQLStore(ctx context.Context, db *sqlx.DB, chunkSize int) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	s := &SQLStore{db: db, chunkSize: normalizeChunkSize(chunkSize)}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) a standalone SQLite blob database.
func OpenSQLite(ctx context.Context, path string, chunkSize int) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
	dsn := (&url.URL{Scheme: "file", Path: abs}).String()
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s, err := NewSQLStore(ctx, db, chunkSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	dataType := "BYTEA"
	if s.db.DriverName() == "sqlite" {
		dataType = "BLOB"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blobs (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL,
	chunk_size INTEGER NOT NULL,
	chunk_count INTEGER NOT NULL,
	created_unix BIGINT NOT NULL
)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS blob_chunks (
	blob_id TEXT NOT NULL,
	n INTEGER NOT NULL,
	data %s NOT NULL,
	PRIMARY KEY (blob_id, n)
)`, dataType),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure blob schema: %w", err)
		}
	}
	return nil
}

// Put implements Store.
func (s *SQLStore) Put(ctx context.Context, r io.Reader, opts PutOptions) (info Info, err error) {
	if r == nil {
		return info, fmt.Errorf("reader is required")
	}
	info = Info{
		ID:          newID(),
		Filename:    opts.Filename,
		ContentType: opts.ContentType,
		ChunkSize:   s.chunkSize,
	}
	defer func() {
		if err != nil {
			cctx, cancel := cleanupContext(ctx)
			defer cancel()
			_, _ = s.db.ExecContext(cctx, s.db.Rebind(`DELETE FROM blob_chunks WHERE blob_id = ?`), info.ID)
			info = Info{}
		}
	}()

	insertChunk := s.db.Rebind(`INSERT INTO blob_chunks (blob_id, n, data) VALUES (?, ?, ?)`)
	buf := make([]byte, s.chunkSize)
	for {
		n, readErr := readChunk(ctx, r, buf)
		if n > 0 {
			if _, err := s.db.ExecContext(ctx, insertChunk, info.ID, info.ChunkCount, buf[:n]); err != nil {
				return info, fmt.Errorf("insert chunk %d: %w", info.ChunkCount, err)
			}
			info.ChunkCount++
			info.Size += int64(n)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return info, fmt.Errorf("read upload stream: %w", readErr)
		}
	}

	info.CreatedAt = time.Now().UTC()
	row := blobRow{
		ID:          info.ID,
		Filename:    info.Filename,
		ContentType: info.ContentType,
		SizeBytes:   info.Size,
		ChunkSize:   info.ChunkSize,
		ChunkCount:  info.ChunkCount,
		CreatedUnix: info.CreatedAt.UnixNano(),
	}
	const insertBlob = `INSERT INTO blobs (` + blobColumns + `)
	VALUES (:id, :filename, :content_type, :size_bytes, :chunk_size, :chunk_count, :created_unix)`
	if _, err := s.db.NamedExecContext(ctx, insertBlob, row); err != nil {
		return info, fmt.Errorf("insert blob: %w", err)
	}
	return info, nil
}

// Open implements Store.
func (s *SQLStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	info, err := s.Stat(ctx, id)
	if err != nil {
		return nil, err
	}
	query := s.db.Rebind(`SELECT data FROM blob_chunks WHERE blob_id = ? AND n = ?`)
	return &chunkReader{
		ctx:   ctx,
		count: info.ChunkCount,
		fetch: func(ctx context.Context, n int) (io.ReadCloser, error) {
			var data []byte
			if err := s.db.GetContext(ctx, &data, query, info.ID, n); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil, fmt.Errorf("%w: chunk %d of %s missing", ErrCorrupt, n, info.ID)
				}
				return nil, fmt.Errorf("load chunk %d: %w", n, err)
			}
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}, nil
}

// Stat implements Store.
func (s *SQLStore) Stat(ctx context.Context, id string) (Info, error) {
	if err := checkID(id); err != nil {
		return Info{}, err
	}
	var row blobRow
	query := s.db.Rebind(`SELECT ` + blobColumns + ` FROM blobs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("load blob: %w", err)
	}
	return Info{
		ID:          row.ID,
		Filename:    row.Filename,
		ContentType: row.ContentType,
		Size:        row.SizeBytes,
		ChunkSize:   row.ChunkSize,
		ChunkCount:  row.ChunkCount,
		CreatedAt:   time.Unix(0, row.CreatedUnix).UTC(),
	}, nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, id string) (err error) {
	if err := checkID(id); err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin blob delete: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM blobs WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete blob row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM blob_chunks WHERE blob_id = ?`), id); err != nil {
		return fmt.Errorf("delete blob chunks: %w", err)
	}
	return tx.Commit()
}
