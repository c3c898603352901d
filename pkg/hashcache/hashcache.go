package hashcache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	bolt "go.etcd.io/bbolt"
)

var bucketHashes = []byte("hashes")

// entry is the stored record for one path.
type entry struct {
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime_ns"`
	Hash    string `json:"hash"`
}

// Cache is a persistent path -> content-hash map.
type Cache struct {
	db *bolt.DB
}

// Open creates or opens a cache database at the given path.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open hash cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketHashes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// HashFile returns the sha1 of the file's contents, reusing the stored
// hash when size and mtime are unchanged.
func (c *Cache) HashFile(path string) (string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	var cached entry
	found := false
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHashes).Get([]byte(path))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &cached); err == nil {
			found = true
		}
		return nil
	})
	if found && cached.Size == st.Size() && cached.ModTime == st.ModTime().UnixNano() {
		return cached.Hash, nil
	}

	hash, err := hashContents(path)
	if err != nil {
		return "", err
	}

	rec := entry{Size: st.Size(), ModTime: st.ModTime().UnixNano(), Hash: hash}
	err = c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketHashes).Put([]byte(path), data)
	})
	if err != nil {
		return "", err
	}
	return hash, nil
}

// Forget drops the record for a path, forcing a re-hash on next lookup.
func (c *Cache) Forget(path string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHashes).Delete([]byte(path))
	})
}

// TaskIdentity hashes a command together with its input contents and
// output names. Two tasks with the same identity produce the same outputs.
func (c *Cache) TaskIdentity(command string, inputs, outputs []string) (string, error) {
	h := sha1.New()
	fmt.Fprintf(h, "cmd:%s\n", command)

	sortedIn := append([]string(nil), inputs...)
	sort.Strings(sortedIn)
	for _, in := range sortedIn {
		fh, err := c.HashFile(in)
		if err != nil {
			return "", fmt.Errorf("hashing input %s: %w", in, err)
		}
		fmt.Fprintf(h, "in:%s:%s\n", in, fh)
	}

	sortedOut := append([]string(nil), outputs...)
	sort.Strings(sortedOut)
	for _, out := range sortedOut {
		fmt.Fprintf(h, "out:%s\n", out)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashContents(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
