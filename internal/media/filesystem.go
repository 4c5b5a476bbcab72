// Package media stores uploaded image payloads on the local filesystem and
// derives their public URLs.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/filerobot/internal/metrics"
	"github.com/MarcoPoloResearchLab/filerobot/internal/serviceerror"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	imagesPrefix       = "images"
	maxExtensionLength = 10

	opNew    = "media.new"
	opSave   = "media.save"
	opDelete = "media.delete"
)

var (
	// ErrInvalidKey indicates a key that does not name a stored payload.
	ErrInvalidKey = errors.New("media: invalid key")
	// ErrPayloadTooLarge indicates a payload above the configured limit.
	ErrPayloadTooLarge = errors.New("media: payload too large")

	errMissingRoot = errors.New("media root is required")
	noOpLogger     = zap.NewNop()
)

// KeyProvider issues unique payload names.
type KeyProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a KeyProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() KeyProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Config describes where payloads live and how they are addressed.
type Config struct {
	Root        string
	BaseURL     string
	MaxBytes    int64
	KeyProvider KeyProvider
	Metrics     *metrics.Recorder
	Logger      *zap.Logger
}

// StoredFile describes a payload written by Save.
type StoredFile struct {
	Key  string
	URL  string
	Size int64
}

// FileSystem stores payloads under Root and serves them below BaseURL.
type FileSystem struct {
	root     string
	baseURL  string
	maxBytes int64
	keys     KeyProvider
	recorder *metrics.Recorder
	logger   *zap.Logger
}

// NewFileSystem prepares the media root and constructs a FileSystem.
func NewFileSystem(cfg Config) (*FileSystem, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, serviceerror.New(opNew, "missing_root", errMissingRoot)
	}
	if err := os.MkdirAll(filepath.Join(root, imagesPrefix), 0o755); err != nil {
		return nil, serviceerror.New(opNew, "mkdir_failed", err)
	}
	keys := cfg.KeyProvider
	if keys == nil {
		keys = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &FileSystem{
		root:     root,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		maxBytes: cfg.MaxBytes,
		keys:     keys,
		recorder: cfg.Metrics,
		logger:   logger,
	}, nil
}

// Root returns the directory payloads are stored in.
func (f *FileSystem) Root() string {
	return f.root
}

// Save writes content under a fresh key. The original filename only
// contributes its extension.
func (f *FileSystem) Save(ctx context.Context, filename string, content io.Reader) (stored StoredFile, err error) {
	started := time.Now()
	defer func() {
		f.recorder.RecordStorage("save", time.Since(started), stored.Size, err)
	}()

	if err := ctx.Err(); err != nil {
		return StoredFile{}, serviceerror.New(opSave, "canceled", err)
	}
	id, err := f.keys.NewID()
	if err != nil {
		return StoredFile{}, serviceerror.New(opSave, "key_generation_failed", err)
	}
	key := path.Join(imagesPrefix, id+extensionOf(filename))
	target := filepath.Join(f.root, filepath.FromSlash(key))

	temp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		f.logError(opSave, "create_failed", err, zap.String("key", key))
		return StoredFile{}, serviceerror.New(opSave, "create_failed", err)
	}
	tempName := temp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tempName)
		}
	}()

	reader := content
	if f.maxBytes > 0 {
		reader = io.LimitReader(content, f.maxBytes+1)
	}
	size, err := io.Copy(temp, reader)
	if closeErr := temp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		f.logError(opSave, "write_failed", err, zap.String("key", key))
		return StoredFile{}, serviceerror.New(opSave, "write_failed", err)
	}
	if f.maxBytes > 0 && size > f.maxBytes {
		err = fmt.Errorf("%w: limit %d bytes", ErrPayloadTooLarge, f.maxBytes)
		return StoredFile{}, serviceerror.New(opSave, "too_large", err)
	}
	if err = os.Rename(tempName, target); err != nil {
		f.logError(opSave, "rename_failed", err, zap.String("key", key))
		return StoredFile{}, serviceerror.New(opSave, "rename_failed", err)
	}

	return StoredFile{Key: key, URL: f.URL(key), Size: size}, nil
}

// Delete removes the payload stored under key. Missing payloads are not an error.
func (f *FileSystem) Delete(_ context.Context, key string) (err error) {
	started := time.Now()
	defer func() {
		f.recorder.RecordStorage("delete", time.Since(started), 0, err)
	}()

	target, err := f.resolve(key)
	if err != nil {
		return serviceerror.New(opDelete, "invalid_key", err)
	}
	if err = os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		f.logError(opDelete, "remove_failed", err, zap.String("key", key))
		return serviceerror.New(opDelete, "remove_failed", err)
	}
	return nil
}

// URL returns the public URL of the payload stored under key.
func (f *FileSystem) URL(key string) string {
	if key == "" {
		return ""
	}
	return f.baseURL + "/" + strings.TrimLeft(key, "/")
}

func (f *FileSystem) resolve(key string) (string, error) {
	cleaned := path.Clean(strings.TrimSpace(key))
	if cleaned == "." || path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(f.root, filepath.FromSlash(cleaned)), nil
}

func extensionOf(filename string) string {
	extension := strings.ToLower(path.Ext(strings.ReplaceAll(filename, "\\", "/")))
	if len(extension) < 2 || len(extension) > maxExtensionLength {
		return ""
	}
	for _, r := range extension[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return extension
}

func (f *FileSystem) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	f.logger.Error("media storage error", attrs...)
}
