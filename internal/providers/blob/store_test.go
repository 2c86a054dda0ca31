package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreOverwritesSameName(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(fs, "https://blobs.example/receipts/", nil)
	ctx := context.Background()

	meta, err := s.Store(ctx, "r-d.pdf", bytes.NewBufferString("first"))
	require.NoError(t, err)
	assert.Equal(t, "r-d.pdf", meta.Name)
	assert.Equal(t, "https://blobs.example/receipts/r-d.pdf", meta.URL)

	_, err = s.Store(ctx, "r-d.pdf", bytes.NewBufferString("second"))
	require.NoError(t, err)

	rc, err := s.Open(ctx, "r-d.pdf")
	require.NoError(t, err)
	defer rc.Close()
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "second", string(content))

	leftover, err := afero.Exists(fs, "r-d.pdf.tmp")
	require.NoError(t, err)
	assert.False(t, leftover)
}

func TestOpenMissingBlob(t *testing.T) {
	s := New(afero.NewMemMapFs(), "", nil)
	_, err := s.Open(context.Background(), "missing.pdf")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestStoreRejectsPathNames(t *testing.T) {
	s := New(afero.NewMemMapFs(), "", nil)
	for _, name := range []string{"", "../x.pdf", "a/b.pdf"} {
		_, err := s.Store(context.Background(), name, bytes.NewBufferString("x"))
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestStoreHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(afero.NewMemMapFs(), "", nil).Store(ctx, "r-d.pdf", bytes.NewBufferString("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
