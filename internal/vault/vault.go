// Package vault implements the kernel's encrypted secret store: AES-256-GCM
// authenticated encryption over entries persisted to a single on-disk file,
// with id-based rotation and transactional master-key rotation. Lifecycle
// follows the buffered-store conventions used elsewhere in the codebase for
// security-sensitive stores: construct, load, mutate under lock, flush.
package vault

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/occam/orchestration-kernel/internal/occamerr"
)

func newSHA256() hash.Hash { return sha256.New() }

// Kind enumerates the category of secret an entry holds.
type Kind string

const (
	KindPassword Kind = "password"
	KindAPIKey   Kind = "apiKey"
	KindToken    Kind = "token"
	KindWebhook  Kind = "webhook"
	KindOther    Kind = "other"
)

// Metadata is everything about an entry except its plaintext — what byScope returns.
type Metadata struct {
	ID             string            `json:"id"`
	Scope          string            `json:"scope"`
	Kind           Kind              `json:"kind"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
	LastAccessedAt *time.Time        `json:"lastAccessedAt,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// entry is the on-disk representation: metadata plus the authenticated ciphertext.
type entry struct {
	Metadata
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"authTag"`
}

// Vault is the encrypted credential store. One master key is held in memory
// only; it is never written to disk.
type Vault struct {
	mu        sync.RWMutex
	masterKey []byte
	path      string
	entries   map[string]*entry
	log       *zap.Logger
}

// New constructs a Vault backed by path, loading any existing entries. path's
// header records the cipher and key id only — plaintext never touches disk.
func New(masterKey []byte, path string, log *zap.Logger) (*Vault, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("vault: master key must be 32 bytes, got %d", len(masterKey))
	}
	if log == nil {
		log = zap.NewNop()
	}
	v := &Vault{masterKey: deriveKey(masterKey), path: path, entries: make(map[string]*entry), log: log}
	if err := v.load(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vault) load() error {
	f, err := os.Open(v.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("vault: opening store: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if lineNo == 1 {
			// header: {"cipher":"AES-256-GCM","keyId":"..."} — informational only.
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("vault: corrupt store at line %d: %w", lineNo, err)
		}
		v.entries[e.ID] = &e
	}
	return scanner.Err()
}

func (v *Vault) persistLocked() error {
	tmp := v.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("vault: creating store: %w", err)
	}
	w := bufio.NewWriter(f)
	header, _ := json.Marshal(map[string]string{"cipher": "AES-256-GCM", "keyId": v.keyID()})
	if _, err := w.Write(append(header, '\n')); err != nil {
		f.Close()
		return err
	}
	for _, e := range v.entries {
		b, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, v.path)
}

func (v *Vault) keyID() string {
	sum := base64.RawURLEncoding.EncodeToString(v.masterKey[:4])
	return sum
}

func (v *Vault) cipher() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func sealWithTag(gcm cipher.AEAD, iv, plaintext []byte) (ciphertext, tag []byte) {
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	return sealed[:tagStart], sealed[tagStart:]
}

// Store encrypts plaintext under the current master key and returns a fresh id.
func (v *Vault) Store(scope string, kind Kind, plaintext string, expiresAt *time.Time, metadata map[string]string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	gcm, err := v.cipher()
	if err != nil {
		return "", occamerr.NewInternal("vault cipher setup failed", err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", occamerr.NewInternal("vault iv generation failed", err)
	}
	ct, tag := sealWithTag(gcm, iv, []byte(plaintext))

	now := time.Now().UTC()
	id := uuid.NewString()
	v.entries[id] = &entry{
		Metadata: Metadata{
			ID: id, Scope: scope, Kind: kind, CreatedAt: now, UpdatedAt: now,
			ExpiresAt: expiresAt, Metadata: metadata,
		},
		Ciphertext: ct, IV: iv, AuthTag: tag,
	}
	if err := v.persistLocked(); err != nil {
		delete(v.entries, id)
		return "", occamerr.NewInternal("vault persist failed", err)
	}
	return id, nil
}

// Get decrypts and returns the plaintext for id. A failed auth tag is a fatal
// IntegrityViolation and plaintext is never surfaced in that case.
func (v *Vault) Get(id string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[id]
	if !ok {
		return "", occamerr.NewNotFound("vault entry not found: " + id)
	}
	if e.ExpiresAt != nil && e.ExpiresAt.Before(time.Now()) {
		return "", occamerr.NewConflict("vault entry expired: " + id)
	}

	gcm, err := v.cipher()
	if err != nil {
		return "", occamerr.NewInternal("vault cipher setup failed", err)
	}
	sealed := append(append([]byte{}, e.Ciphertext...), e.AuthTag...)
	plaintext, err := gcm.Open(nil, e.IV, sealed, nil)
	if err != nil {
		v.log.Error("vault auth tag mismatch", zap.String("id", id))
		return "", occamerr.NewIntegrityViolation("vault entry auth tag mismatch: " + id)
	}
	now := time.Now().UTC()
	e.LastAccessedAt = &now
	_ = v.persistLocked()
	return string(plaintext), nil
}

// ByScope returns metadata (never plaintext) for every entry in scope.
func (v *Vault) ByScope(scope string) []Metadata {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Metadata, 0)
	for _, e := range v.entries {
		if e.Scope == scope {
			out = append(out, e.Metadata)
		}
	}
	return out
}

// Delete removes an entry, returning false if it did not exist.
func (v *Vault) Delete(id string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.entries[id]; !ok {
		return false, nil
	}
	delete(v.entries, id)
	if err := v.persistLocked(); err != nil {
		return false, occamerr.NewInternal("vault persist failed", err)
	}
	return true, nil
}

// Rotate decrypts id, re-encrypts under a fresh IV, stores under a new id, and
// atomically deletes the old one. The old id becomes unretrievable.
func (v *Vault) Rotate(id string) (string, error) {
	v.mu.Lock()
	old, ok := v.entries[id]
	if !ok {
		v.mu.Unlock()
		return "", occamerr.NewNotFound("vault entry not found: " + id)
	}
	gcm, err := v.cipher()
	if err != nil {
		v.mu.Unlock()
		return "", occamerr.NewInternal("vault cipher setup failed", err)
	}
	sealed := append(append([]byte{}, old.Ciphertext...), old.AuthTag...)
	plaintext, err := gcm.Open(nil, old.IV, sealed, nil)
	if err != nil {
		v.mu.Unlock()
		return "", occamerr.NewIntegrityViolation("vault entry auth tag mismatch: " + id)
	}

	newIV := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, newIV); err != nil {
		v.mu.Unlock()
		return "", occamerr.NewInternal("vault iv generation failed", err)
	}
	ct, tag := sealWithTag(gcm, newIV, plaintext)

	newID := uuid.NewString()
	now := time.Now().UTC()
	v.entries[newID] = &entry{
		Metadata: Metadata{
			ID: newID, Scope: old.Scope, Kind: old.Kind, CreatedAt: old.CreatedAt,
			UpdatedAt: now, ExpiresAt: old.ExpiresAt, Metadata: old.Metadata,
		},
		Ciphertext: ct, IV: newIV, AuthTag: tag,
	}
	delete(v.entries, id)
	err = v.persistLocked()
	v.mu.Unlock()
	if err != nil {
		return "", occamerr.NewInternal("vault persist failed", err)
	}
	return newID, nil
}

// RotateMasterKey re-encrypts every entry under newKey. Either all entries are
// re-encrypted or none are: on any failure the old key remains authoritative
// and no partial write reaches disk.
func (v *Vault) RotateMasterKey(newKey []byte) error {
	if len(newKey) != 32 {
		return occamerr.NewInvalid("newKey", "master key must be 32 bytes")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	oldGCM, err := v.cipher()
	if err != nil {
		return occamerr.NewInternal("vault cipher setup failed", err)
	}

	newBlock, err := aes.NewCipher(deriveKey(newKey))
	if err != nil {
		return occamerr.NewInternal("vault cipher setup failed", err)
	}
	newGCM, err := cipher.NewGCM(newBlock)
	if err != nil {
		return occamerr.NewInternal("vault cipher setup failed", err)
	}

	reencrypted := make(map[string]*entry, len(v.entries))
	for id, e := range v.entries {
		sealed := append(append([]byte{}, e.Ciphertext...), e.AuthTag...)
		plaintext, err := oldGCM.Open(nil, e.IV, sealed, nil)
		if err != nil {
			return occamerr.NewIntegrityViolation("vault entry auth tag mismatch during rotation: " + id)
		}
		iv := make([]byte, newGCM.NonceSize())
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return occamerr.NewInternal("vault iv generation failed", err)
		}
		ct, tag := sealWithTag(newGCM, iv, plaintext)
		next := *e
		next.Ciphertext, next.IV, next.AuthTag = ct, iv, tag
		reencrypted[id] = &next
	}

	// All entries re-encrypted successfully: commit atomically.
	previousKey, previousEntries := v.masterKey, v.entries
	v.masterKey = deriveKey(newKey)
	v.entries = reencrypted
	if err := v.persistLocked(); err != nil {
		v.masterKey, v.entries = previousKey, previousEntries
		return occamerr.NewInternal("vault persist failed during key rotation", err)
	}
	v.log.Info("vault master key rotated", zap.Int("entries", len(reencrypted)))
	return nil
}

// deriveKey runs the supplied 32-byte key through HKDF-SHA256 so the
// caller-supplied key material is never used directly as the AES key. Both
// construction and master-key rotation apply the same derivation, so a
// restart with the rotated key decrypts what rotation wrote.
func deriveKey(raw []byte) []byte {
	out := make([]byte, 32)
	kdf := hkdf.New(newSHA256, raw, nil, []byte("occam-vault-master-key"))
	_, _ = io.ReadFull(kdf, out)
	return out
}
