// Package store persists shielded deposit records as encrypted blobs, one
// file per deposit id. The plaintext is RLP; the envelope is
// ChaCha20-Poly1305 under a key expanded from the session root key, with
// the deposit id as associated data so a blob cannot be replayed under a
// different id.
//
// Failures here are StorageError-class: callers must treat them as
// non-fatal for operations whose funds already moved on chain.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/bzwallet/shieldpool/types"
	"github.com/bzwallet/shieldpool/utils"
)

var (
	ErrStorage  = errors.New("store: storage failure")
	ErrNotFound = errors.New("store: record not found")
)

const blobExt = ".note"

// DepositStore is a file-backed encrypted store for deposit records.
type DepositStore struct {
	log zerolog.Logger
	dir string
	key []byte // 32-byte AEAD key expanded from the session root key
}

// Open prepares the store directory and derives the blob encryption key.
func Open(log zerolog.Logger, dir string, rootKey [32]byte) (*DepositStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create dir: %v", ErrStorage, err)
	}
	key, err := ExpandKey(rootKey[:], chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrStorage, err)
	}
	return &DepositStore{log: log, dir: dir, key: key}, nil
}

// Put writes or overwrites the record for d.ID.
func (s *DepositStore) Put(d *types.ShieldedDeposit) error {
	plaintext, err := rlp.EncodeToBytes(d)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrStorage, err)
	}

	nonce := utils.RandBytes(chacha20poly1305.NonceSize)
	sealed, err := EncryptRecord(s.key, nonce, plaintext, []byte(d.ID))
	if err != nil {
		return fmt.Errorf("%w: seal: %v", ErrStorage, err)
	}

	blob := append(nonce, sealed...)
	tmp := s.path(d.ID) + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("%w: write: %v", ErrStorage, err)
	}
	if err := os.Rename(tmp, s.path(d.ID)); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrStorage, err)
	}
	return nil
}

// Get loads and decrypts the record for id.
func (s *DepositStore) Get(id string) (*types.ShieldedDeposit, error) {
	blob, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: read: %v", ErrStorage, err)
	}
	return s.decode(id, blob)
}

// List loads every readable record. Undecryptable blobs are skipped with a
// warning rather than failing the whole listing; the reconciliation pass
// re-derives what was lost.
func (s *DepositStore) List() ([]*types.ShieldedDeposit, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStorage, err)
	}

	var out []*types.ShieldedDeposit
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, blobExt) {
			continue
		}
		id := strings.TrimSuffix(name, blobExt)
		d, err := s.Get(id)
		if err != nil {
			s.log.Warn().Str("id", id).Err(err).Msg("skipping unreadable deposit record")
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Delete removes the record for id. Missing records are not an error.
func (s *DepositStore) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete: %v", ErrStorage, err)
	}
	return nil
}

func (s *DepositStore) decode(id string, blob []byte) (*types.ShieldedDeposit, error) {
	if len(blob) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: blob too short", ErrStorage)
	}
	nonce, sealed := blob[:chacha20poly1305.NonceSize], blob[chacha20poly1305.NonceSize:]
	plaintext, err := DecryptRecord(s.key, nonce, sealed, []byte(id))
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStorage, err)
	}

	var d types.ShieldedDeposit
	if err := rlp.Decode(bytes.NewReader(plaintext), &d); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrStorage, err)
	}
	return &d, nil
}

func (s *DepositStore) path(id string) string {
	// Ids are generated hex strings; filepath.Base guards against a
	// corrupted id escaping the store directory.
	return filepath.Join(s.dir, filepath.Base(id)+blobExt)
}
