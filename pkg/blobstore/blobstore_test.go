package blobstore

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFSRoundTrip(t *testing.T) {
	store, err := NewFS(t.TempDir(), testLogger())
	require.NoError(t, err)

	ref, err := store.Store(context.Background(), []byte("png bytes"), "image/png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "fs:scans/"))
	assert.True(t, strings.HasSuffix(ref, ".png"))

	data, err := store.Fetch(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(data))
}

func TestFSFetchErrors(t *testing.T) {
	store, err := NewFS(t.TempDir(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Fetch(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyRef)
	_, err = store.Fetch(ctx, "s3://bucket/key")
	assert.ErrorIs(t, err, ErrInvalidRef)
	_, err = store.Fetch(ctx, "fs:../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidRef)
	_, err = store.Fetch(ctx, "fs:scans/2026/01/01/missing.png")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Store(ctx, nil, "image/png")
	assert.ErrorIs(t, err, ErrEmptyData)
}

func TestDataURI(t *testing.T) {
	uri := EncodeDataURI([]byte("hello card"), "image/jpeg")
	assert.True(t, IsDataURI(uri))

	data, ct, err := DecodeDataURI(uri)
	require.NoError(t, err)
	assert.Equal(t, "hello card", string(data))
	assert.Equal(t, "image/jpeg", ct)

	_, _, err = DecodeDataURI("data:image/png,plain")
	assert.ErrorIs(t, err, ErrInvalidDataURI)
	_, _, err = DecodeDataURI("data:image/png;base64,!!!")
	assert.ErrorIs(t, err, ErrInvalidDataURI)
}

func TestDecodeImageAcceptsBareBase64(t *testing.T) {
	// PNG signature, base64 without padding.
	data, ct, err := DecodeImage("iVBORw0KGgo")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, data)
	assert.Equal(t, "image/png", ct)

	_, _, err = DecodeImage("   ")
	assert.ErrorIs(t, err, ErrEmptyData)
}

func TestMapHTTPStatus(t *testing.T) {
	assert.Equal(t, 404, MapHTTPStatus(ErrNotFound))
	assert.Equal(t, 400, MapHTTPStatus(ErrInvalidRef))
	assert.Equal(t, 500, MapHTTPStatus(io.ErrUnexpectedEOF))
}
