package storage

import (
	"context"
	"io"
	"regexp"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	buckets map[string]bool
	objects map[string]string
	types   map[string]string
	policy  string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{buckets: map[string]bool{}, objects: map[string]string{}, types: map[string]string{}}
}

func (f *fakeObjects) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeObjects) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.buckets[bucket] = true
	return nil
}

func (f *fakeObjects) SetBucketPolicy(_ context.Context, _ string, policy string) error {
	f.policy = policy
	return nil
}

func (f *fakeObjects) PutObject(_ context.Context, _ string, key string, reader io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[key] = string(data)
	f.types[key] = opts.ContentType
	return minio.UploadInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeObjects) RemoveObject(_ context.Context, _ string, key string, _ minio.RemoveObjectOptions) error {
	delete(f.objects, key)
	return nil
}

func TestEnsureBucketCreatesAndOpensBucket(t *testing.T) {
	objects := newFakeObjects()
	store := newStore(objects, "world-assets", "http://minio:9000/world-assets")

	require.NoError(t, store.EnsureBucket(context.Background()))
	assert.True(t, objects.buckets["world-assets"])
	assert.Contains(t, objects.policy, "arn:aws:s3:::world-assets/*")
}

func TestPutReturnsPublicURL(t *testing.T) {
	objects := newFakeObjects()
	store := newStore(objects, "world-assets", "https://cdn.example.test/")

	url, err := store.Put(context.Background(), "p1/n1-ab.png", strings.NewReader("png"), 3, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.test/p1/n1-ab.png", url)
	assert.Equal(t, "png", objects.objects["p1/n1-ab.png"])
	assert.Equal(t, "image/png", objects.types["p1/n1-ab.png"])

	key, ok := store.KeyFromURL(url)
	require.True(t, ok)
	assert.Equal(t, "p1/n1-ab.png", key)

	_, ok = store.KeyFromURL("https://elsewhere.test/x.png")
	assert.False(t, ok)

	require.NoError(t, store.Delete(context.Background(), key))
	assert.Empty(t, objects.objects)
}

func TestObjectKey(t *testing.T) {
	key := ObjectKey("p1", "n1", ".png")
	assert.Regexp(t, regexp.MustCompile(`^p1/n1-[0-9a-f]{8}\.png$`), key)
	assert.NotEqual(t, key, ObjectKey("p1", "n1", "png"))
}

func TestImageExtension(t *testing.T) {
	ext, err := ImageExtension("image/jpeg; charset=binary", 1024)
	require.NoError(t, err)
	assert.Equal(t, "jpg", ext)

	_, err = ImageExtension("application/pdf", 10)
	assert.ErrorIs(t, err, ErrNotImage)

	_, err = ImageExtension("image/png", MaxImageBytes+1)
	assert.ErrorIs(t, err, ErrTooLarge)
}
