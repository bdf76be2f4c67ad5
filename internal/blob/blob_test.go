package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/accession/internal/config"
)

func TestNewKey(t *testing.T) {
	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	k := NewKey(now, "data/scans/page-001.tif")
	assert.True(t, strings.HasPrefix(k, "2024/03/09/"), k)
	assert.True(t, strings.HasSuffix(k, "-page-001.tif"), k)
	assert.NoError(t, validateKey(k))
	assert.NotEqual(t, k, NewKey(now, "data/scans/page-001.tif"))
}

func TestValidateKey(t *testing.T) {
	for _, bad := range []string{"", "/abs", "../up", "a/../../b", "a//b"} {
		assert.Error(t, validateKey(bad), bad)
	}
}

func TestFSBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, b.Put(ctx, "2024/01/01/x-file.txt", strings.NewReader("payload")))

	rc, err := b.Open(ctx, "2024/01/01/x-file.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(got))

	require.NoError(t, b.Delete(ctx, "2024/01/01/x-file.txt"))
	_, err = b.Open(ctx, "2024/01/01/x-file.txt")
	assert.True(t, errors.Is(err, ErrNotFound))

	// deleting twice is fine
	assert.NoError(t, b.Delete(ctx, "2024/01/01/x-file.txt"))
}

func TestOpenSelectsBackend(t *testing.T) {
	b, err := Open(context.Background(), config.BlobsConfig{Backend: "fs", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FSBackend{}, b)

	_, err = Open(context.Background(), config.BlobsConfig{Backend: "tape"})
	assert.Error(t, err)
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3BackendUsesPrefix(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	b := newS3Backend(fake, "archive", "content")

	require.NoError(t, b.Put(ctx, "2024/01/01/k", strings.NewReader("abc")))
	assert.Contains(t, fake.objects, "archive/content/2024/01/01/k")

	rc, err := b.Open(ctx, "2024/01/01/k")
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	assert.Equal(t, "abc", string(got))

	require.NoError(t, b.Delete(ctx, "2024/01/01/k"))
	_, err = b.Open(ctx, "2024/01/01/k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewS3BackendRequiresBucket(t *testing.T) {
	_, err := NewS3Backend(context.Background(), config.BlobsConfig{Backend: "s3"})
	assert.Error(t, err)
}
