package store

import (
	"database/sql"
	"fmt"
	"time"
)

// RuleState is the learned state of one rule.
type RuleState struct {
	Rule       string
	Multiplier float64
	Generated  bool
	Definition string // JSON, generated rules only
	UpdatedAt  int64
	Exclusions []string
}

// SaveRuleMultiplier upserts a rule's multiplier.
func (db *DB) SaveRuleMultiplier(rule string, multiplier float64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO rule_state (rule, multiplier, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(rule) DO UPDATE SET multiplier = excluded.multiplier, updated_at = excluded.updated_at
	`, rule, multiplier, now)
	if err != nil {
		return fmt.Errorf("save rule multiplier: %w", err)
	}
	return nil
}

// SaveGeneratedRule stores the definition of a synthesized rule.
func (db *DB) SaveGeneratedRule(rule, definition string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO rule_state (rule, generated, definition, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(rule) DO UPDATE SET generated = 1, definition = excluded.definition, updated_at = excluded.updated_at
	`, rule, definition, now)
	if err != nil {
		return fmt.Errorf("save generated rule: %w", err)
	}
	return nil
}

// AddRuleExclusion records that rule must not write into path.
func (db *DB) AddRuleExclusion(rule, path string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT OR IGNORE INTO rule_exclusions (rule, path, created_at) VALUES (?, ?, ?)
	`, rule, path, now)
	if err != nil {
		return fmt.Errorf("add rule exclusion: %w", err)
	}
	return nil
}

// GetRuleState returns the state for a rule, or nil if none was saved.
func (db *DB) GetRuleState(rule string) (*RuleState, error) {
	var (
		s   RuleState
		def sql.NullString
	)
	err := db.QueryRow(`
		SELECT rule, multiplier, generated, definition, updated_at FROM rule_state WHERE rule = ?
	`, rule).Scan(&s.Rule, &s.Multiplier, &s.Generated, &def, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rule state: %w", err)
	}
	s.Definition = def.String

	excl, err := db.RuleExclusions(rule)
	if err != nil {
		return nil, err
	}
	s.Exclusions = excl
	return &s, nil
}

// ListRuleStates returns every rule with saved state or exclusions, ordered
// by rule name.
func (db *DB) ListRuleStates() ([]RuleState, error) {
	rows, err := db.Query(`
		SELECT rule, multiplier, generated, definition, updated_at FROM rule_state
		UNION ALL
		SELECT DISTINCT rule, 1.0, 0, NULL, 0 FROM rule_exclusions
		WHERE rule NOT IN (SELECT rule FROM rule_state)
		ORDER BY rule
	`)
	if err != nil {
		return nil, fmt.Errorf("list rule states: %w", err)
	}
	defer rows.Close()

	var states []RuleState
	for rows.Next() {
		var (
			s   RuleState
			def sql.NullString
		)
		if err := rows.Scan(&s.Rule, &s.Multiplier, &s.Generated, &def, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule state: %w", err)
		}
		s.Definition = def.String
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range states {
		excl, err := db.RuleExclusions(states[i].Rule)
		if err != nil {
			return nil, err
		}
		states[i].Exclusions = excl
	}
	return states, nil
}

// RuleExclusions returns the excluded paths for a rule in sorted order.
func (db *DB) RuleExclusions(rule string) ([]string, error) {
	rows, err := db.Query(`SELECT path FROM rule_exclusions WHERE rule = ? ORDER BY path`, rule)
	if err != nil {
		return nil, fmt.Errorf("get rule exclusions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan rule exclusion: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
