package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var errRecordNotFound = errors.New("env file not found")

// envRecord is one stored env file. Content is the ciphertext exactly as the
// CLI uploaded it; the server never sees plaintext.
type envRecord struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"userId"`
	UserName     string    `json:"userName"`
	RepoFullName string    `json:"repoFullName"`
	RepoName     string    `json:"repoName"`
	Directory    string    `json:"directory"`
	EnvName      string    `json:"envName"`
	Content      string    `json:"content"`
	IsEncrypted  bool      `json:"isEncrypted"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// envRepo is the storage layer. Query and QueryRepos return records
// newest-first; duplicates per (repo, directory, name) are allowed and kept.
type envRepo interface {
	Insert(ctx context.Context, rec *envRecord) (int64, error)
	Query(ctx context.Context, repoFullName, directory string) ([]envRecord, error)
	QueryRepos(ctx context.Context, repoFullNames []string) ([]envRecord, error)
	Get(ctx context.Context, id int64) (*envRecord, error)
	Delete(ctx context.Context, id int64) error
}

type pgRepo struct {
	db *sql.DB
}

const envRecordColumns = `
id, user_id, user_name, repo_full_name, repo_name, directory, env_name,
content, is_encrypted, created_at, updated_at`

func (r *pgRepo) Insert(ctx context.Context, rec *envRecord) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
INSERT INTO env_files (user_id, user_name, repo_full_name, repo_name, directory, env_name, content, is_encrypted)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id
`, rec.UserID, rec.UserName, rec.RepoFullName, rec.RepoName, rec.Directory, rec.EnvName, rec.Content, rec.IsEncrypted).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert env file: %w", err)
	}
	return id, nil
}

func (r *pgRepo) Query(ctx context.Context, repoFullName, directory string) ([]envRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+envRecordColumns+`
FROM env_files
WHERE repo_full_name = $1 AND directory = $2
ORDER BY updated_at DESC, id DESC
`, repoFullName, directory)
	if err != nil {
		return nil, fmt.Errorf("query env files: %w", err)
	}
	return scanEnvRecords(rows)
}

func (r *pgRepo) QueryRepos(ctx context.Context, repoFullNames []string) ([]envRecord, error) {
	if len(repoFullNames) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+envRecordColumns+`
FROM env_files
WHERE repo_full_name = ANY($1::text[])
ORDER BY updated_at DESC, id DESC
`, repoFullNames)
	if err != nil {
		return nil, fmt.Errorf("query env files by repos: %w", err)
	}
	return scanEnvRecords(rows)
}

func (r *pgRepo) Get(ctx context.Context, id int64) (*envRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+envRecordColumns+`
FROM env_files
WHERE id = $1
`, id)
	var rec envRecord
	if err := scanEnvRecord(row.Scan, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errRecordNotFound
		}
		return nil, fmt.Errorf("get env file: %w", err)
	}
	return &rec, nil
}

func (r *pgRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM env_files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete env file: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errRecordNotFound
	}
	return nil
}

func scanEnvRecord(scan func(dest ...any) error, rec *envRecord) error {
	return scan(
		&rec.ID, &rec.UserID, &rec.UserName, &rec.RepoFullName, &rec.RepoName,
		&rec.Directory, &rec.EnvName, &rec.Content, &rec.IsEncrypted,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
}

func scanEnvRecords(rows *sql.Rows) ([]envRecord, error) {
	defer rows.Close()
	out := make([]envRecord, 0)
	for rows.Next() {
		var rec envRecord
		if err := scanEnvRecord(rows.Scan, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type memoryRepo struct {
	mu     sync.Mutex
	nextID int64
	data   map[int64]*envRecord
	now    func() time.Time
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{data: map[int64]*envRecord{}, now: time.Now}
}

func (m *memoryRepo) Insert(_ context.Context, rec *envRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	stored := *rec
	stored.ID = m.nextID
	stored.CreatedAt = m.now().UTC()
	stored.UpdatedAt = stored.CreatedAt
	m.data[stored.ID] = &stored
	return stored.ID, nil
}

func (m *memoryRepo) Query(_ context.Context, repoFullName, directory string) ([]envRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]envRecord, 0)
	for _, rec := range m.data {
		if rec.RepoFullName == repoFullName && rec.Directory == directory {
			out = append(out, *rec)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *memoryRepo) QueryRepos(_ context.Context, repoFullNames []string) ([]envRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[string]struct{}, len(repoFullNames))
	for _, name := range repoFullNames {
		wanted[strings.TrimSpace(name)] = struct{}{}
	}
	out := make([]envRecord, 0)
	for _, rec := range m.data {
		if _, ok := wanted[rec.RepoFullName]; ok {
			out = append(out, *rec)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *memoryRepo) Get(_ context.Context, id int64) (*envRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[id]
	if !ok {
		return nil, errRecordNotFound
	}
	out := *rec
	return &out, nil
}

func (m *memoryRepo) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[id]; !ok {
		return errRecordNotFound
	}
	delete(m.data, id)
	return nil
}

func sortNewestFirst(records []envRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].UpdatedAt.After(records[j].UpdatedAt)
		}
		return records[i].ID > records[j].ID
	})
}
