package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// SourceFile is an archived input workbook.
type SourceFile struct {
	ID                int64
	Kind              string // "survey", "sites", "climate"
	Name              string
	LoadedAt          time.Time
	SizeBytes         int64
	ContentCompressed []byte
	ContentHash       string
}

// StoreSourceFile archives a compressed copy of an input file. Identical
// content is stored once; dup reports that the hash was already present and
// id is the existing row.
func (s *Store) StoreSourceFile(kind, name string, content []byte) (id int64, dup bool, err error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(content); err != nil {
		return 0, false, fmt.Errorf("compress %s: %w", name, err)
	}
	if err := gz.Close(); err != nil {
		return 0, false, fmt.Errorf("close gzip: %w", err)
	}

	hash := sha256.Sum256(content)
	hashHex := hex.EncodeToString(hash[:])

	result, err := s.db.Exec(`
		INSERT INTO source_files (kind, name, loaded_at, size_bytes, content_compressed, content_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING
	`, kind, name, time.Now().UTC(), len(content), buf.Bytes(), hashHex)
	if err != nil {
		return 0, false, fmt.Errorf("insert source file: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		existing, err := s.GetSourceFileByHash(hashHex)
		if err != nil {
			return 0, false, err
		}
		if existing == nil {
			return 0, false, fmt.Errorf("source file %s: hash %s vanished", name, hashHex)
		}
		return existing.ID, true, nil
	}
	id, err = result.LastInsertId()
	return id, false, err
}

// GetSourceFile returns the decompressed content of an archived file.
func (s *Store) GetSourceFile(id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRow(`SELECT content_compressed FROM source_files WHERE id = ?`, id).Scan(&compressed)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// GetSourceFileByHash returns nil when no file has the hash.
func (s *Store) GetSourceFileByHash(hash string) (*SourceFile, error) {
	row := s.db.QueryRow(`
		SELECT id, kind, name, loaded_at, size_bytes, content_compressed, content_hash
		FROM source_files WHERE content_hash = ?
	`, hash)

	var f SourceFile
	err := row.Scan(&f.ID, &f.Kind, &f.Name, &f.LoadedAt, &f.SizeBytes, &f.ContentCompressed, &f.ContentHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}
