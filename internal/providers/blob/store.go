package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/smallbiznis/receiptflow/internal/config"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var ErrInvalidName = errors.New("invalid_blob_name")

// Store keeps rendered documents on an afero filesystem and serves them under BaseURL.
type Store struct {
	fs      afero.Fs
	baseURL string
	log     *zap.Logger
}

func New(fs afero.Fs, baseURL string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		fs:      fs,
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log.Named("blob.store"),
	}
}

// NewFromConfig roots an OS filesystem at cfg.Blob.Root.
func NewFromConfig(cfg config.Config, log *zap.Logger) (*Store, error) {
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(cfg.Blob.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return New(afero.NewBasePathFs(osFs, cfg.Blob.Root), cfg.Blob.BaseURL, log), nil
}

// Store overwrites any blob already stored under name.
func (s *Store) Store(ctx context.Context, name string, content io.Reader) (*domain.ReceiptMetadata, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tmp := name + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tmp, err)
	}
	written, err := io.Copy(f, content)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return nil, fmt.Errorf("write %s: %w", name, err)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return nil, fmt.Errorf("commit %s: %w", name, err)
	}

	s.log.Debug("blob stored", zap.String("name", name), zap.Int64("bytes", written))
	return &domain.ReceiptMetadata{Name: name, URL: s.URL(name)}, nil
}

func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &domain.NotFoundError{Resource: "blob", ID: name}
		}
		return nil, err
	}
	return f, nil
}

func (s *Store) URL(name string) string {
	if s.baseURL == "" {
		return name
	}
	return s.baseURL + "/" + name
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || path.Clean(name) != name || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
