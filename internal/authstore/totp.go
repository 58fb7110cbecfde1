package authstore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// pendingTOTP is the stored value behind a pending-2FA token, issued by
// Login while the user's TOTP code is outstanding.
type pendingTOTP struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SavePendingTOTP records a pending-2FA token for the given user.
func (s *Store) SavePendingTOTP(token, userID string, expiresAt time.Time) error {
	data, err := json.Marshal(pendingTOTP{UserID: userID, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("marshal pending totp: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingTOTP).Put([]byte(token), data)
	})
}

// GetPendingTOTP resolves a pending-2FA token to its user ID, deleting it
// if found to be expired.
func (s *Store) GetPendingTOTP(token string) (string, error) {
	var rec pendingTOTP
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPendingTOTP)
		v := b.Get([]byte(token))
		if v == nil {
			return fmt.Errorf("pending totp token not found")
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal pending totp: %w", err)
		}
		if time.Now().After(rec.ExpiresAt) {
			_ = b.Delete([]byte(token))
			return fmt.Errorf("pending totp token expired")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return rec.UserID, nil
}

// DeletePendingTOTP removes a pending-2FA token. Idempotent.
func (s *Store) DeletePendingTOTP(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingTOTP).Delete([]byte(token))
	})
}
