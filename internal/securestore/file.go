package securestore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/argon2"
)

const (
	saltFile      = "salt"
	deviceKeyFile = "device.key"
	dbDir         = "credentials"

	saltLen = 16
	keyLen  = 32 // AES-256
)

// FileStore keeps values in an AES-encrypted badger database under a private directory.
// The encryption key is derived with Argon2id from a passphrase, or from a random
// device secret created next to the database with 0600 permissions.
type FileStore struct {
	mu  sync.RWMutex
	db  *badger.DB
	key *memguard.LockedBuffer
}

// OpenFileStore opens (creating on first use) the encrypted store in dir.
// A wrong passphrase for an existing store yields ErrUnavailable.
func OpenFileStore(dir, passphrase string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: credential directory is empty", ErrUnavailable)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("securestore: create %s: %w", dir, err)
	}
	salt, err := readOrCreate(filepath.Join(dir, saltFile), saltLen)
	if err != nil {
		return nil, err
	}
	secret := []byte(passphrase)
	if passphrase == "" {
		if secret, err = readOrCreate(filepath.Join(dir, deviceKeyFile), keyLen); err != nil {
			return nil, err
		}
	}
	key := memguard.NewBufferFromBytes(argon2.IDKey(secret, salt, 1, 64*1024, 4, keyLen))
	memguard.WipeBytes(secret)

	opts := badger.DefaultOptions(filepath.Join(dir, dbDir)).
		WithEncryptionKey(key.Bytes()).
		WithIndexCacheSize(1 << 20).
		WithBlockCacheSize(1 << 20).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(1 << 20).
		WithNumVersionsToKeep(1).
		WithSyncWrites(true)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		key.Destroy()
		if errors.Is(err, badger.ErrEncryptionKeyMismatch) {
			return nil, fmt.Errorf("%w: credential key does not match %s", ErrUnavailable, dir)
		}
		return nil, fmt.Errorf("%w: open credential db: %v", ErrUnavailable, err)
	}
	return &FileStore{db: db, key: key}, nil
}

func (s *FileStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return "", ErrUnavailable
	}
	var out string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out = string(v)
		memguard.WipeBytes(v)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("securestore: get %s: %w", key, err)
	}
	return out, nil
}

func (s *FileStore) Set(ctx context.Context, key, value string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *FileStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrUnavailable
	}
	if err := s.db.Update(fn); err != nil {
		return fmt.Errorf("securestore: write: %w", err)
	}
	return nil
}

// Close flushes the database and destroys the in-memory key.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.key.Destroy()
	return err
}

// readOrCreate returns the contents of path, creating it with n random bytes (0600) when absent.
func readOrCreate(path string, n int) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		if len(b) != n {
			return nil, fmt.Errorf("%w: %s is corrupt", ErrUnavailable, path)
		}
		return b, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("securestore: read %s: %w", path, err)
	}
	b = make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return nil, fmt.Errorf("securestore: write %s: %w", path, err)
	}
	return b, nil
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

// Infof and Debugf are demoted: badger is chatty on open and compaction.
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
