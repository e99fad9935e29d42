package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// ErrKeyNotFound means no key is provisioned for the room. The engine
// treats this as an unrecoverable session error for that room: no key
// exchange happens at this layer.
var ErrKeyNotFound = errors.New("no key for room")

// KeyStore hands out per-room symmetric keys that an out-of-band
// exchange flow has already provisioned. This subsystem only reads
// and deletes; SaveRoomKey exists for the provisioning side and tests.
type KeyStore interface {
	RoomKey(roomID string) ([]byte, error)
	SaveRoomKey(roomID string, key []byte) error
	DeleteRoomKey(roomID string) error
}

const (
	pbkdf2Iterations = 100_000
	saltSize         = 16
	fileKeySize      = 32
)

// fileFormat is the on-disk JSON shape. Room keys are sealed with
// AES-GCM under a key derived from the passphrase, so the file at
// rest never contains raw key material.
type fileFormat struct {
	Salt  string            `json:"salt"`  // hex
	Rooms map[string]string `json:"rooms"` // roomID -> hex(nonce || sealed key)
}

// FileStore persists room keys to a single JSON file, encrypted at
// rest under a passphrase-derived key.
type FileStore struct {
	mu         sync.Mutex
	path       string
	passphrase []byte
}

func NewFileStore(path, passphrase string) *FileStore {
	return &FileStore{path: path, passphrase: []byte(passphrase)}
}

func (f *FileStore) RoomKey(roomID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return nil, err
	}
	sealedHex, ok := data.Rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, roomID)
	}
	sealed, err := hex.DecodeString(sealedHex)
	if err != nil {
		return nil, fmt.Errorf("keystore entry for %s is corrupt", roomID)
	}

	gcm, err := f.aead(data.Salt)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("keystore entry for %s is corrupt", roomID)
	}
	key, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], []byte(roomID))
	if err != nil {
		return nil, fmt.Errorf("unsealing key for %s: wrong passphrase or corrupt entry", roomID)
	}
	return key, nil
}

func (f *FileStore) SaveRoomKey(roomID string, key []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return err
	}
	gcm, err := f.aead(data.Salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, key, []byte(roomID))
	data.Rooms[roomID] = hex.EncodeToString(sealed)
	return f.save(data)
}

func (f *FileStore) DeleteRoomKey(roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := data.Rooms[roomID]; !ok {
		return nil
	}
	delete(data.Rooms, roomID)
	return f.save(data)
}

func (f *FileStore) load() (*fileFormat, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generating salt: %w", err)
		}
		return &fileFormat{Salt: hex.EncodeToString(salt), Rooms: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading keystore: %w", err)
	}
	var data fileFormat
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing keystore: %w", err)
	}
	if data.Rooms == nil {
		data.Rooms = map[string]string{}
	}
	return &data, nil
}

func (f *FileStore) save(data *fileFormat) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding keystore: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating keystore dir: %w", err)
		}
	}
	if err := os.WriteFile(f.path, raw, 0o600); err != nil {
		return fmt.Errorf("writing keystore: %w", err)
	}
	return nil
}

func (f *FileStore) aead(saltHex string) (cipher.AEAD, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return nil, errors.New("keystore salt is corrupt")
	}
	derived := pbkdf2.Key(f.passphrase, salt, pbkdf2Iterations, fileKeySize, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("keystore cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// MemoryStore keeps keys in memory. The test double, also handy for
// ephemeral sessions that never want keys on disk.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string][]byte)}
}

func (m *MemoryStore) RoomKey(roomID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, roomID)
	}
	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

func (m *MemoryStore) SaveRoomKey(roomID string, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(key))
	copy(cp, key)
	m.keys[roomID] = cp
	return nil
}

func (m *MemoryStore) DeleteRoomKey(roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, roomID)
	return nil
}
