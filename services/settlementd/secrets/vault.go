package secrets

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"fundledger/services/settlementd/domain"
)

var (
	bucketMeta    = []byte("meta")
	bucketSecrets = []byte("secrets")
	keySalt       = []byte("salt")
	keyCheck      = []byte("check")
	checkPlain    = []byte("fundledger-vault")
)

// ErrVaultKey is returned when the vault passphrase does not open the vault.
var ErrVaultKey = errors.New("secrets: vault key mismatch")

// Vault stores signing secrets in bbolt, sealed with XChaCha20-Poly1305 under a
// key derived from an operator passphrase. Plaintext never reaches disk.
type Vault struct {
	db   *bolt.DB
	aead aeadCipher
}

type aeadCipher interface {
	NonceSize() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// OpenVault opens (and initialises) the vault file at path.
func OpenVault(path, passphrase string) (*Vault, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("vault path required")
	}
	if strings.TrimSpace(passphrase) == "" {
		return nil, errors.New("vault passphrase required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	var salt []byte
	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketSecrets); err != nil {
			return err
		}
		if existing := meta.Get(keySalt); existing != nil {
			salt = append([]byte(nil), existing...)
			return nil
		}
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return err
		}
		return meta.Put(keySalt, salt)
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialise vault: %w", err)
	}
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("vault cipher: %w", err)
	}
	v := &Vault{db: db, aead: aead}
	if err := v.verifyKey(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return v, nil
}

// verifyKey seals a known value on first use and checks it on later opens so
// a wrong passphrase fails at startup rather than at the first donation.
func (v *Vault) verifyKey() error {
	return v.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		sealed := meta.Get(keyCheck)
		if sealed == nil {
			return meta.Put(keyCheck, v.seal(checkPlain, keyCheck))
		}
		if _, err := v.open(sealed, keyCheck); err != nil {
			return ErrVaultKey
		}
		return nil
	})
}

// Close releases the bolt handle.
func (v *Vault) Close() error {
	if v == nil || v.db == nil {
		return nil
	}
	return v.db.Close()
}

// PutSigningSecret seals and stores secret under ref.
func (v *Vault) PutSigningSecret(ctx context.Context, ref string, secret domain.Secret) error {
	_ = ctx
	ref = strings.TrimSpace(ref)
	if ref == "" || secret.Empty() {
		return errors.New("secret reference and value required")
	}
	return v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Put([]byte(ref), v.seal([]byte(secret.Reveal()), []byte(ref)))
	})
}

// GetSigningSecret implements Store.
func (v *Vault) GetSigningSecret(ctx context.Context, ref string) (domain.Secret, error) {
	_ = ctx
	var plain []byte
	err := v.db.View(func(tx *bolt.Tx) error {
		sealed := tx.Bucket(bucketSecrets).Get([]byte(ref))
		if sealed == nil {
			return fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
		}
		opened, err := v.open(sealed, []byte(ref))
		if err != nil {
			return fmt.Errorf("secrets: unseal %s: %w", ref, err)
		}
		plain = opened
		return nil
	})
	if err != nil {
		return domain.Secret{}, err
	}
	return domain.NewSecret(string(plain)), nil
}

// DeleteSigningSecret removes ref from the vault.
func (v *Vault) DeleteSigningSecret(ref string) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Delete([]byte(ref))
	})
}

// References lists stored secret references without unsealing them.
func (v *Vault) References() ([]string, error) {
	var refs []string
	err := v.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).ForEach(func(k, _ []byte) error {
			refs = append(refs, string(k))
			return nil
		})
	})
	return refs, err
}

func (v *Vault) seal(plain, aad []byte) []byte {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		panic(fmt.Sprintf("secrets: nonce: %v", err))
	}
	return v.aead.Seal(nonce, nonce, plain, aad)
}

func (v *Vault) open(sealed, aad []byte) ([]byte, error) {
	size := v.aead.NonceSize()
	if len(sealed) < size {
		return nil, errors.New("ciphertext too short")
	}
	return v.aead.Open(nil, sealed[:size], sealed[size:], aad)
}
