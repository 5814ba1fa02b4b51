package store

import (
	"database/sql"
	"fmt"
)

// SaveCredential upserts a vault-encrypted secret. The store only ever
// sees ciphertext; encryption happens in the vault package.
func (s *Store) SaveCredential(name string, ciphertext, nonce []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO credentials (name, ciphertext, nonce)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			updated_at = CURRENT_TIMESTAMP`,
		name, ciphertext, nonce)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// GetCredential returns the encrypted secret, or nils when unknown.
func (s *Store) GetCredential(name string) (ciphertext, nonce []byte, err error) {
	row := s.db.QueryRow(`SELECT ciphertext, nonce FROM credentials WHERE name = ?`, name)
	if err := row.Scan(&ciphertext, &nonce); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("get credential: %w", err)
	}
	return ciphertext, nonce, nil
}
