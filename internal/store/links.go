package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AppliedLink is the last block written for a rule into a document.
type AppliedLink struct {
	Rule      string
	Path      string
	Digest    string
	Links     int
	AppliedAt int64
}

// RecordLinks remembers the digest of the block written for rule into path.
func (db *DB) RecordLinks(rule, path, digest string, links int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO applied_links (rule, path, digest, links, applied_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(rule, path) DO UPDATE SET
			digest = excluded.digest, links = excluded.links, applied_at = excluded.applied_at
	`, rule, path, digest, links, now)
	if err != nil {
		return fmt.Errorf("record links: %w", err)
	}
	return nil
}

// LinkDigest returns the digest last written for rule into path, or "".
func (db *DB) LinkDigest(rule, path string) (string, error) {
	var digest string
	err := db.QueryRow(`SELECT digest FROM applied_links WHERE rule = ? AND path = ?`, rule, path).Scan(&digest)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get link digest: %w", err)
	}
	return digest, nil
}

// LinksForDocument returns every block recorded for path, ordered by rule.
func (db *DB) LinksForDocument(path string) ([]AppliedLink, error) {
	rows, err := db.Query(`
		SELECT rule, path, digest, links, applied_at FROM applied_links WHERE path = ? ORDER BY rule
	`, path)
	if err != nil {
		return nil, fmt.Errorf("get links for document: %w", err)
	}
	defer rows.Close()

	var out []AppliedLink
	for rows.Next() {
		var l AppliedLink
		if err := rows.Scan(&l.Rule, &l.Path, &l.Digest, &l.Links, &l.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan applied link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountAppliedLinks returns the number of links currently recorded.
func (db *DB) CountAppliedLinks() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COALESCE(SUM(links), 0) FROM applied_links`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count applied links: %w", err)
	}
	return n, nil
}

// AppliedLinkPaths returns every document with a recorded block.
func (db *DB) AppliedLinkPaths() ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT path FROM applied_links ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("get applied link paths: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan applied link path: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteLinksForDocument forgets every block recorded for path.
func (db *DB) DeleteLinksForDocument(path string) (int64, error) {
	result, err := db.Exec(`DELETE FROM applied_links WHERE path = ?`, path)
	if err != nil {
		return 0, fmt.Errorf("delete links for document: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
