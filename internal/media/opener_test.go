package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/domain"
)

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestOpenLocalRelativeToBaseDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "poster.png"), []byte("png"), 0o600))

	o := New(Options{BaseDir: dir})
	data, err := o.ReadAll(context.Background(), domain.FileRef{Name: "poster.png", Path: "poster.png"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
}

func TestOpenMissingLocalFileIsValidation(t *testing.T) {
	o := New(Options{BaseDir: t.TempDir()})
	_, err := o.Open(context.Background(), domain.FileRef{Name: "gone", Path: "gone.png"})
	ae, ok := adapter.AsError(err)
	require.True(t, ok)
	assert.Equal(t, adapter.KindValidation, ae.Kind)
}

func TestOpenHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("remote"))
	}))
	defer srv.Close()

	o := New(Options{})
	data, err := o.ReadAll(context.Background(), domain.FileRef{Name: "a", URL: srv.URL + "/a"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "remote", string(data))

	_, err = o.Open(context.Background(), domain.FileRef{Name: "b", URL: srv.URL + "/missing"})
	code, retryable := adapter.Classify(err)
	assert.Equal(t, "HTTP_404", code)
	assert.False(t, retryable)
}

func TestOpenS3(t *testing.T) {
	o := New(Options{S3: &fakeS3{objects: map[string][]byte{"media/events/poster.jpg": []byte("jpg")}}})
	data, err := o.ReadAll(context.Background(), domain.FileRef{Name: "poster.jpg", URL: "s3://media/events/poster.jpg"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "jpg", string(data))

	_, err = New(Options{}).Open(context.Background(), domain.FileRef{URL: "s3://media/x"})
	ae, ok := adapter.AsError(err)
	require.True(t, ok)
	assert.Equal(t, adapter.KindUnavailable, ae.Kind)
}

func TestReadAllEnforcesLimit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.bin"), make([]byte, 64), 0o600))

	_, err := New(Options{BaseDir: dir}).ReadAll(context.Background(), domain.FileRef{Name: "big.bin", Path: "big.bin"}, 32)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestParseS3URL(t *testing.T) {
	bucket, key, err := ParseS3URL("s3://media/a/b.png")
	require.NoError(t, err)
	assert.Equal(t, "media", bucket)
	assert.Equal(t, "a/b.png", key)

	for _, bad := range []string{"s3://media", "http://x/y", "s3:///key"} {
		_, _, err := ParseS3URL(bad)
		assert.Error(t, err, bad)
	}
}
