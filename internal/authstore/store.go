// Package authstore is a bbolt-backed implementation of the auth package's
// storage interfaces (UserStore, SessionStore, RoleStore, APITokenStore,
// PendingTOTPStore, SettingsReader, WebAuthnCredentialStore), grounded on
// the teacher's internal/store bolt_auth.go/bolt_webauthn.go design.
package authstore

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketSessions      = []byte("sessions")
	bucketRoles         = []byte("roles")
	bucketAPITokens     = []byte("api_tokens")
	bucketWebAuthnCreds = []byte("webauthn_credentials")
	bucketPendingTOTP   = []byte("pending_totp")
	bucketSettings      = []byte("settings")
)

// Store wraps a BoltDB database holding the console's user, session, role,
// token, passkey, pending-2FA, and settings records.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the BoltDB database at path and ensures all
// required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketUsers, bucketSessions, bucketRoles, bucketAPITokens,
			bucketWebAuthnCreds, bucketPendingTOTP, bucketSettings,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
