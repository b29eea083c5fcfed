// Package cache keeps per-file findings in badger, keyed by file content and
// the rule and policy state that produced them.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// keyPrefix versions the entry encoding.
const keyPrefix = "findings/v1/"

// Options configure the underlying database.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	Logger   *zap.Logger
}

// Cache is safe for concurrent use.
type Cache struct {
	db     *badger.DB
	logger *zap.Logger
}

type entry struct {
	Findings []core.Finding `json:"findings"`
}

// badgerLogger routes badger's own logging through zap.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// Open opens (or creates) the cache.
func Open(opts Options) (*Cache, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("cache")

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("cache path is required unless running in memory")
		}
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create cache directory %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{logger: logger.Sugar()})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return &Cache{db: db, logger: logger}, nil
}

// Key derives the entry key for one file. Every input that changes the
// findings of a file takes part: its path (findings carry it), its content
// and the corpus and policy digests.
func Key(path, contentSHA256, corpusDigest, policyDigest string) []byte {
	h := sha256.New()
	for _, part := range []string{path, contentSHA256, corpusDigest, policyDigest} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return []byte(keyPrefix + hex.EncodeToString(h.Sum(nil)))
}

// Get returns the findings stored under key. ok is false on a miss.
func (c *Cache) Get(key []byte) (fs []core.Finding, ok bool, err error) {
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var e entry
			if err := json.Unmarshal(val, &e); err != nil {
				return fmt.Errorf("corrupt cache entry: %w", err)
			}
			fs, ok = e.Findings, true
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("cache read failed: %w", err)
	}
	return fs, ok, nil
}

// Put stores the findings of a file. An empty slice is a valid entry.
func (c *Cache) Put(key []byte, fs []core.Finding) error {
	if fs == nil {
		fs = []core.Finding{}
	}
	val, err := json.Marshal(entry{Findings: fs})
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	}); err != nil {
		return fmt.Errorf("cache write failed: %w", err)
	}
	return nil
}

// Close flushes and closes the database.
func (c *Cache) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}
	return nil
}
