// Package fileid establishes stable identities for local files and caches
// their decoded content. Identity powers upload deduplication: two attachment
// paths naming the same underlying file share one identity and therefore one
// remote upload.
package fileid

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// HashAlgo selects the content hash used when device+inode identity is not
// available, and for cache validation.
type HashAlgo string

const (
	HashSHA256 HashAlgo = "sha256"
	HashSHA1   HashAlgo = "sha1"
	HashMD5    HashAlgo = "md5"
)

// ParseHashAlgo normalizes a configured algorithm name, defaulting to sha256.
func ParseHashAlgo(raw string) (HashAlgo, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "sha256":
		return HashSHA256, nil
	case "sha1":
		return HashSHA1, nil
	case "md5":
		return HashMD5, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q (want sha256, sha1 or md5)", raw)
	}
}

func (a HashAlgo) newHash() hash.Hash {
	switch a {
	case HashSHA1:
		return sha1.New()
	case HashMD5:
		return md5.New()
	default:
		return sha256.New()
	}
}

// Sum hashes content with the configured algorithm.
func (a HashAlgo) Sum(content []byte) string {
	h := a.newHash()
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// SumFile hashes a file without loading it whole into memory.
func (a HashAlgo) SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := a.newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Identity names a file independently of the paths that reach it. Device and
// inode are preferred; the content hash is the fallback when stat identity is
// unavailable (non-unix filesystems, special files).
type Identity struct {
	Dev  uint64
	Ino  uint64
	Hash string
}

// Key returns a stable map key for the identity.
func (id Identity) Key() string {
	if id.Hash != "" {
		return "hash:" + id.Hash
	}
	return fmt.Sprintf("dev:%d:ino:%d", id.Dev, id.Ino)
}

// IdentityFor computes the identity of the file at the absolute path.
func IdentityFor(path string, algo HashAlgo) (Identity, error) {
	if dev, ino, ok := statIdentity(path); ok {
		return Identity{Dev: dev, Ino: ino}, nil
	}
	sum, err := algo.SumFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return Identity{Hash: sum}, nil
}
