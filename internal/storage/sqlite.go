package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/lcdetect/internal/models"
)

// SQLiteStore implements ImageStore using SQLite. Keypoint and descriptor
// blobs are compressed with the configured codec; decoded images are
// kept in an LRU cache.
type SQLiteStore struct {
	db    *sql.DB
	codec Codec
	cache *ImageCache
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string, codec Codec, cacheSize int) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, codec: codec, cache: NewImageCache(cacheSize)}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS images (
		image_id INTEGER PRIMARY KEY,
		num_features INTEGER NOT NULL,
		keypoints BLOB NOT NULL,
		descriptors BLOB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS loop_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		query_id INTEGER NOT NULL,
		train_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		inliers INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_loop_results_run ON loop_results(run_id, status);
	CREATE INDEX IF NOT EXISTS idx_loop_results_query ON loop_results(query_id);
	`
	_, err := db.Exec(schema)
	return err
}

// PutImage stores the features of an image, replacing any previous entry.
func (s *SQLiteStore) PutImage(ctx context.Context, f *models.ImageFeatures) error {
	if err := f.Validate(); err != nil {
		return err
	}
	kps, err := s.codec.compress(encodeKeypoints(f.Keypoints))
	if err != nil {
		return fmt.Errorf("failed to encode keypoints: %w", err)
	}
	descs, err := s.codec.compress(encodeDescriptors(f.Descriptors))
	if err != nil {
		return fmt.Errorf("failed to encode descriptors: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO images (image_id, num_features, keypoints, descriptors, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		int64(f.ImageID), len(f.Keypoints), kps, descs, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to store image %d: %w", f.ImageID, err)
	}
	s.cache.Set(f.ImageID, f)
	return nil
}

// GetImage returns the stored features of an image.
func (s *SQLiteStore) GetImage(ctx context.Context, id uint32) (*models.ImageFeatures, error) {
	if f, ok := s.cache.Get(id); ok {
		return f, nil
	}
	var kpBlob, descBlob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT keypoints, descriptors FROM images WHERE image_id = ?`, int64(id),
	).Scan(&kpBlob, &descBlob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrImageNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	raw, err := decompress(kpBlob)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress keypoints of image %d: %w", id, err)
	}
	kps, err := decodeKeypoints(raw)
	if err != nil {
		return nil, err
	}
	raw, err = decompress(descBlob)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress descriptors of image %d: %w", id, err)
	}
	descs, err := decodeDescriptors(raw)
	if err != nil {
		return nil, err
	}

	f := &models.ImageFeatures{ImageID: id, Keypoints: kps, Descriptors: descs}
	s.cache.Set(id, f)
	return f, nil
}

// CountImages returns the number of stored images.
func (s *SQLiteStore) CountImages(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&n)
	return n, err
}

// SaveResult inserts a detection result.
func (s *SQLiteStore) SaveResult(ctx context.Context, rec *models.LoopRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	r := rec.Result
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loop_results (run_id, query_id, train_id, status, inliers, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RunID, int64(r.QueryID), int64(r.TrainID), r.Status.String(), r.Inliers, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save result for image %d: %w", r.QueryID, err)
	}
	return nil
}

func (f LoopFilter) where() (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, f.Status.String())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListLoops returns matching results in insertion order.
func (s *SQLiteStore) ListLoops(ctx context.Context, filter LoopFilter) ([]*models.LoopRecord, error) {
	where, args := filter.where()
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, filter.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, query_id, train_id, status, inliers, created_at
		 FROM loop_results`+where+` ORDER BY id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.LoopRecord
	for rows.Next() {
		var rec models.LoopRecord
		var queryID, trainID int64
		var status string
		if err := rows.Scan(&rec.RunID, &queryID, &trainID, &status, &rec.Result.Inliers, &rec.CreatedAt); err != nil {
			return nil, err
		}
		st, err := models.ParseStatus(status)
		if err != nil {
			return nil, err
		}
		rec.Result.Status = st
		rec.Result.QueryID = uint32(queryID)
		rec.Result.TrainID = uint32(trainID)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// CountLoops returns the number of matching results.
func (s *SQLiteStore) CountLoops(ctx context.Context, filter LoopFilter) (int64, error) {
	where, args := filter.where()
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM loop_results`+where, args...).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
