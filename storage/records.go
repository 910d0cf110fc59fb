package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"videoCaption/core"
)

var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate means a unique constraint (user email) was violated.
	ErrDuplicate = errors.New("record already exists")
)

// RecordStore persists users and video records. Backed by Postgres when a
// connection URL is configured, by process memory otherwise.
type RecordStore interface {
	CreateUser(ctx context.Context, u *core.User) error
	GetUser(ctx context.Context, id string) (*core.User, error)
	GetUserByEmail(ctx context.Context, email string) (*core.User, error)

	InsertVideo(ctx context.Context, rec *core.VideoRecord) error
	ListVideos(ctx context.Context, userID string, page, limit int) ([]core.VideoRecord, int, error)
	GetVideo(ctx context.Context, id string) (*core.VideoRecord, error)
	DeleteVideo(ctx context.Context, id string) error
	// DeleteAllVideos removes every video owned by userID and returns the
	// removed records so the caller can clean up files and embeddings.
	DeleteAllVideos(ctx context.Context, userID string) ([]core.VideoRecord, error)
}

// ---------------- Memory implementation (kept for fallback) ----------------

type MemoryRecordStore struct {
	mu     sync.RWMutex
	users  map[string]core.User // keyed by lowercase email
	videos map[string]core.VideoRecord
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		users:  map[string]core.User{},
		videos: map[string]core.VideoRecord{},
	}
}

func (s *MemoryRecordStore) CreateUser(ctx context.Context, u *core.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(u.Email)
	if _, ok := s.users[key]; ok {
		return fmt.Errorf("%w: email %s", ErrDuplicate, u.Email)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[key] = *u
	return nil
}

func (s *MemoryRecordStore) GetUser(ctx context.Context, id string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ID == id {
			u := u
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryRecordStore) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *MemoryRecordStore) InsertVideo(ctx context.Context, rec *core.VideoRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.videos[rec.ID] = *rec
	return nil
}

func (s *MemoryRecordStore) ListVideos(ctx context.Context, userID string, page, limit int) ([]core.VideoRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []core.VideoRecord
	for _, v := range s.videos {
		if v.UserID == userID {
			all = append(all, v)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	total := len(all)
	offset := (page - 1) * limit
	if offset >= total {
		return []core.VideoRecord{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *MemoryRecordStore) GetVideo(ctx context.Context, id string) (*core.VideoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.videos[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (s *MemoryRecordStore) DeleteVideo(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.videos[id]; !ok {
		return ErrNotFound
	}
	delete(s.videos, id)
	return nil
}

func (s *MemoryRecordStore) DeleteAllVideos(ctx context.Context, userID string) ([]core.VideoRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []core.VideoRecord
	for id, v := range s.videos {
		if v.UserID == userID {
			removed = append(removed, v)
			delete(s.videos, id)
		}
	}
	return removed, nil
}

// ---------------- Postgres implementation ----------------

type PgRecordStore struct {
	pool *pgxpool.Pool
}

func NewPgRecordStore(ctx context.Context, url string) (*PgRecordStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PgRecordStore{pool: pool}
	if err := s.ensureTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgRecordStore) ensureTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(64) PRIMARY KEY,
			email VARCHAR(255) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS videos (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			title VARCHAR(500) NOT NULL,
			caption TEXT NOT NULL,
			original_filename VARCHAR(500),
			file_path VARCHAR(1000) NOT NULL,
			video_url VARCHAR(1000),
			duration VARCHAR(16),
			file_size BIGINT,
			format VARCHAR(32),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_videos_user_created ON videos(user_id, created_at DESC);`,
	}
	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure tables: %w", err)
		}
	}
	return nil
}

func (s *PgRecordStore) CreateUser(ctx context.Context, u *core.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		u.ID, strings.ToLower(u.Email), u.PasswordHash, u.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return fmt.Errorf("%w: email %s", ErrDuplicate, u.Email)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PgRecordStore) GetUser(ctx context.Context, id string) (*core.User, error) {
	var u core.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PgRecordStore) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	var u core.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = $1`,
		strings.ToLower(email),
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PgRecordStore) InsertVideo(ctx context.Context, rec *core.VideoRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO videos (id, user_id, title, caption, original_filename, file_path, video_url, duration, file_size, format, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.UserID, rec.Title, rec.Caption, rec.OriginalFilename,
		rec.FilePath, rec.VideoURL, rec.Duration, rec.FileSize, rec.Format, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert video: %w", err)
	}
	return nil
}

func (s *PgRecordStore) ListVideos(ctx context.Context, userID string, page, limit int) ([]core.VideoRecord, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM videos WHERE user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count videos: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, title, caption, original_filename, file_path, video_url, duration, file_size, format, created_at
		 FROM videos WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, (page-1)*limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()

	videos := []core.VideoRecord{}
	for rows.Next() {
		var v core.VideoRecord
		if err := rows.Scan(&v.ID, &v.UserID, &v.Title, &v.Caption, &v.OriginalFilename,
			&v.FilePath, &v.VideoURL, &v.Duration, &v.FileSize, &v.Format, &v.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, v)
	}
	return videos, total, rows.Err()
}

func (s *PgRecordStore) GetVideo(ctx context.Context, id string) (*core.VideoRecord, error) {
	var v core.VideoRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, caption, original_filename, file_path, video_url, duration, file_size, format, created_at
		 FROM videos WHERE id = $1`, id,
	).Scan(&v.ID, &v.UserID, &v.Title, &v.Caption, &v.OriginalFilename,
		&v.FilePath, &v.VideoURL, &v.Duration, &v.FileSize, &v.Format, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get video: %w", err)
	}
	return &v, nil
}

func (s *PgRecordStore) DeleteVideo(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgRecordStore) DeleteAllVideos(ctx context.Context, userID string) ([]core.VideoRecord, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM videos WHERE user_id = $1
		 RETURNING id, user_id, title, caption, original_filename, file_path, video_url, duration, file_size, format, created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("clear videos: %w", err)
	}
	defer rows.Close()

	var removed []core.VideoRecord
	for rows.Next() {
		var v core.VideoRecord
		if err := rows.Scan(&v.ID, &v.UserID, &v.Title, &v.Caption, &v.OriginalFilename,
			&v.FilePath, &v.VideoURL, &v.Duration, &v.FileSize, &v.Format, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan removed video: %w", err)
		}
		removed = append(removed, v)
	}
	return removed, rows.Err()
}

func (s *PgRecordStore) Close() { s.pool.Close() }
