// Package storage keeps meter photos and bill documents on local disk and
// hands out expiring signed links to them.
package storage

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

var (
	// ErrInvalidRef is returned for references that could escape the store root.
	ErrInvalidRef = errors.New("storage: invalid reference")
	// ErrBadSignature is returned when a signed link does not verify.
	ErrBadSignature = errors.New("storage: bad signature")
	// ErrExpired is returned when a signed link is past its expiry.
	ErrExpired = errors.New("storage: link expired")
)

var extensions = map[string]string{
	"application/json": ".json",
	"application/pdf":  ".pdf",
	"image/jpeg":       ".jpg",
	"image/png":        ".png",
	"image/webp":       ".webp",
}

// LocalStore writes files under a root directory.
type LocalStore struct {
	root    string
	baseURL string
	key     []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewLocalStore returns a store rooted at root. Links are served under baseURL/files/.
func NewLocalStore(root, baseURL, signingKey string, ttl time.Duration) (*LocalStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage: root is required")
	}
	if signingKey == "" {
		return nil, errors.New("storage: signing key is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	sum := blake2b.Sum256([]byte(signingKey))
	return &LocalStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     sum[:],
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// Store writes data and returns its reference.
func (s *LocalStore) Store(_ context.Context, data []byte, contentType string) (string, error) {
	ext, ok := extensions[contentType]
	if !ok {
		ext = ".bin"
	}
	ref := uuid.NewString() + ext
	if err := os.WriteFile(filepath.Join(s.root, ref), data, 0o640); err != nil {
		return "", fmt.Errorf("storage: write %s: %w", ref, err)
	}
	return ref, nil
}

// Read returns the content of ref.
func (s *LocalStore) Read(_ context.Context, ref string) ([]byte, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Delete removes ref. Missing files are not an error.
func (s *LocalStore) Delete(_ context.Context, ref string) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", ref, err)
	}
	return nil
}

// SignedURL returns a link to ref valid for the store TTL.
func (s *LocalStore) SignedURL(ref string) (string, error) {
	if _, err := s.path(ref); err != nil {
		return "", err
	}
	expires := strconv.FormatInt(s.now().Add(s.ttl).Unix(), 10)
	q := url.Values{}
	q.Set("expires", expires)
	q.Set("sig", s.sign(ref, expires))
	return s.baseURL + "/files/" + url.PathEscape(ref) + "?" + q.Encode(), nil
}

// Verify checks the expiry and signature of a link to ref.
func (s *LocalStore) Verify(ref, expires, sig string) error {
	if _, err := s.path(ref); err != nil {
		return err
	}
	unix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	want := s.sign(ref, expires)
	if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) != 1 {
		return ErrBadSignature
	}
	if s.now().Unix() > unix {
		return ErrExpired
	}
	return nil
}

func (s *LocalStore) sign(ref, expires string) string {
	mac, _ := blake2b.New256(s.key)
	mac.Write([]byte(ref))
	mac.Write([]byte{0})
	mac.Write([]byte(expires))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *LocalStore) path(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", ErrInvalidRef
	}
	return filepath.Join(s.root, ref), nil
}
