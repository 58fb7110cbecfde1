package authstore

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/redpepper-go/fleet/internal/auth"
)

func webauthnCredKey(credID []byte) []byte {
	return []byte(base64.RawURLEncoding.EncodeToString(credID))
}

func webauthnUserIndexKey(userID string, credID []byte) []byte {
	return []byte("idx::user::" + userID + "::" + base64.RawURLEncoding.EncodeToString(credID))
}

func webauthnUserIndexPrefix(userID string) []byte {
	return []byte("idx::user::" + userID + "::")
}

func webauthnHandleIndexKey(handle []byte) []byte {
	return []byte("idx::handle::" + base64.RawURLEncoding.EncodeToString(handle))
}

// CreateWebAuthnCredential stores a credential and its indexes, including
// the handle->user index used for discoverable (usernameless) login.
func (s *Store) CreateWebAuthnCredential(cred auth.WebAuthnCredential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal webauthn credential: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWebAuthnCreds)
		if err := b.Put(webauthnCredKey(cred.ID), data); err != nil {
			return err
		}
		if err := b.Put(webauthnUserIndexKey(cred.UserID, cred.ID), []byte("")); err != nil {
			return err
		}
		ub := tx.Bucket(bucketUsers)
		uv := ub.Get([]byte(cred.UserID))
		if uv != nil {
			var user auth.User
			if err := json.Unmarshal(uv, &user); err == nil && len(user.WebAuthnUserID) > 0 {
				if err := b.Put(webauthnHandleIndexKey(user.WebAuthnUserID), []byte(cred.UserID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// GetWebAuthnCredential retrieves a credential by its ID.
func (s *Store) GetWebAuthnCredential(credID []byte) (*auth.WebAuthnCredential, error) {
	var cred auth.WebAuthnCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketWebAuthnCreds).Get(webauthnCredKey(credID))
		if v == nil {
			return auth.ErrCredentialNotFound
		}
		return json.Unmarshal(v, &cred)
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// ListWebAuthnCredentialsForUser returns all credentials for a user.
func (s *Store) ListWebAuthnCredentialsForUser(userID string) ([]auth.WebAuthnCredential, error) {
	var creds []auth.WebAuthnCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWebAuthnCreds)
		prefix := webauthnUserIndexPrefix(userID)
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			credB64 := string(k[len(prefix):])
			credIDBytes, err := base64.RawURLEncoding.DecodeString(credB64)
			if err != nil {
				continue
			}
			v := b.Get(webauthnCredKey(credIDBytes))
			if v == nil {
				continue
			}
			var cred auth.WebAuthnCredential
			if err := json.Unmarshal(v, &cred); err != nil {
				continue
			}
			creds = append(creds, cred)
		}
		return nil
	})
	return creds, err
}

// DeleteWebAuthnCredential removes a credential and its user index.
// Idempotent. The handle index is left in place — re-checked at login,
// since the user may still have other credentials.
func (s *Store) DeleteWebAuthnCredential(credID []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWebAuthnCreds)
		key := webauthnCredKey(credID)
		v := b.Get(key)
		if v == nil {
			return nil
		}
		var cred auth.WebAuthnCredential
		if err := json.Unmarshal(v, &cred); err != nil {
			return b.Delete(key)
		}
		if err := b.Delete(key); err != nil {
			return err
		}
		return b.Delete(webauthnUserIndexKey(cred.UserID, cred.ID))
	})
}

// GetUserByWebAuthnHandle looks up a user by WebAuthn user handle, for
// discoverable login.
func (s *Store) GetUserByWebAuthnHandle(handle []byte) (*auth.User, error) {
	var user auth.User
	err := s.db.View(func(tx *bolt.Tx) error {
		wb := tx.Bucket(bucketWebAuthnCreds)
		userIDBytes := wb.Get(webauthnHandleIndexKey(handle))
		if userIDBytes == nil {
			return auth.ErrCredentialNotFound
		}
		v := tx.Bucket(bucketUsers).Get(userIDBytes)
		if v == nil {
			return auth.ErrCredentialNotFound
		}
		return json.Unmarshal(v, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// AnyWebAuthnCredentialsExist reports whether any passkeys are registered
// system-wide.
func (s *Store) AnyWebAuthnCredentialsExist() (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketWebAuthnCreds).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !isIndexKey(k) {
				exists = true
				return nil
			}
		}
		return nil
	})
	return exists, err
}
