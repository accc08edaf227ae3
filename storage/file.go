package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/e2ee-keyexchange/cryptoutils"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
	"golang.org/x/crypto/argon2"
)

const (
	sealedMagic    = "E2K1"
	saltFileName   = ".salt"
	saltSize       = 16
	argonTime      = 1
	argonMemoryKiB = 64 * 1024
	argonThreads   = 4
)

// ErrSealedDocument is returned when an encrypted document cannot be opened
// with the configured passphrase.
var ErrSealedDocument = errors.New("sealed document could not be opened")

// FileBackend implements a storage backend using the local file system.
// Each key maps to one file under the base directory. When a passphrase is
// configured, documents are sealed with AES-GCM under an argon2id key derived
// from the passphrase and a per-directory salt.
type FileBackend struct {
	baseDir     string
	aead        cipher.AEAD
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a new file storage backend rooted at baseDir. An
// empty passphrase stores documents in plaintext.
func NewFileBackend(baseDir string, passphrase string, log *slog.Logger) (*FileBackend, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	b := &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}

	if passphrase != "" {
		salt, err := loadOrCreateSalt(filepath.Join(baseDir, saltFileName))
		if err != nil {
			return nil, err
		}
		key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemoryKiB, argonThreads, cryptoutils.AESKeySize)
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		b.aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
	}

	return b, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != saltSize {
			return nil, fmt.Errorf("invalid salt file %s", path)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	salt, err = cryptoutils.RandomBytes(saltSize)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("failed to write salt: %w", err)
	}
	return salt, nil
}

// Fetch reads the document stored under key.
// Returns ErrNotFound if the file doesn't exist.
func (b *FileBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	filePath, err := b.getFilePath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if b.aead != nil {
		data, err = b.open(data, key)
		if err != nil {
			return nil, err
		}
	}

	b.log.Debug("Fetched document from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store writes data under key, replacing the previous document atomically.
func (b *FileBackend) Store(ctx context.Context, key string, data []byte) error {
	filePath, err := b.getFilePath(key)
	if err != nil {
		return err
	}

	if b.aead != nil {
		data, err = b.seal(data, key)
		if err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}

	b.log.Debug("Stored document in file", slog.String("path", filePath))
	return nil
}

func (b *FileBackend) Delete(ctx context.Context, key string) error {
	filePath, err := b.getFilePath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Available checks if the file backend is accessible by verifying the base directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

// getFilePath maps a slash-separated key to a path below baseDir. Every
// segment is path-escaped so owner ids cannot traverse out of the directory.
func (b *FileBackend) getFilePath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty storage key")
	}
	segments := strings.Split(key, "/")
	escaped := make([]string, 0, len(segments)+1)
	escaped = append(escaped, b.baseDir)
	for _, s := range segments {
		if s == "" || s == "." || s == ".." {
			return "", fmt.Errorf("invalid storage key %q", key)
		}
		escaped = append(escaped, url.PathEscape(s))
	}
	return filepath.Join(escaped...), nil
}

// seal binds the ciphertext to its key so documents cannot be swapped on disk.
func (b *FileBackend) seal(data []byte, key string) ([]byte, error) {
	nonce, err := cryptoutils.RandomBytes(b.aead.NonceSize())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(sealedMagic)+len(nonce)+len(data)+b.aead.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, nonce...)
	return b.aead.Seal(out, nonce, data, []byte(key)), nil
}

func (b *FileBackend) open(data []byte, key string) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte(sealedMagic)) {
		return nil, fmt.Errorf("%w: missing header", ErrSealedDocument)
	}
	data = data[len(sealedMagic):]
	if len(data) < b.aead.NonceSize() {
		return nil, fmt.Errorf("%w: truncated", ErrSealedDocument)
	}
	nonce, ct := data[:b.aead.NonceSize()], data[b.aead.NonceSize():]
	plain, err := b.aead.Open(nil, nonce, ct, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedDocument, err)
	}
	return plain, nil
}
