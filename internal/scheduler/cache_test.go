package scheduler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/batchyard/internal/batchspec"
)

func TestCacheKey(t *testing.T) {
	step := batchspec.Step{Run: "make fmt", Container: "golang:1.22", Env: map[string]string{"B": "2", "A": "1"}}
	k1 := CacheKey("", "acme/api", "c0ffee", "", 0, step)

	same := batchspec.Step{Run: "make fmt", Container: "golang:1.22", Env: map[string]string{"A": "1", "B": "2"}}
	assert.Equal(t, k1, CacheKey("", "acme/api", "c0ffee", "", 0, same))

	assert.NotEqual(t, k1, CacheKey("", "acme/api", "deadbeef", "", 0, step))
	assert.NotEqual(t, k1, CacheKey("", "acme/api", "c0ffee", "svc", 0, step))
	assert.NotEqual(t, k1, CacheKey("", "acme/web", "c0ffee", "", 0, step))
	assert.NotEqual(t, k1, CacheKey("", "acme/api", "c0ffee", "", 1, step))
	assert.NotEqual(t, k1, CacheKey("other", "acme/api", "c0ffee", "", 0, step))

	changedEnv := batchspec.Step{Run: "make fmt", Container: "golang:1.22", Env: map[string]string{"A": "1", "B": "3"}}
	assert.NotEqual(t, k1, CacheKey("", "acme/api", "c0ffee", "", 0, changedEnv))
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c := NewRedisCache(rdb, "test", time.Hour)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", &StepResult{Diff: "+x\n", Output: "ok"}))
	assert.True(t, mr.Exists("test:step:k"))

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "+x\n", got.Diff)
	assert.Equal(t, "ok", got.Output)

	mr.FastForward(2 * time.Hour)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	c := NewRedisCache(rdb, "", 0)
	mr.Close()

	_, _, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
}

// fakeS3 is an in-memory S3Client.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Artifacts(t *testing.T) {
	fake := newFakeS3()
	store := NewS3Artifacts(fake, "artifacts")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, LogKey(7), []byte("hello")))
	assert.Contains(t, fake.objects, "artifacts/workspaces/7/log")

	got, err := store.Get(ctx, LogKey(7))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, store.Delete(ctx, LogKey(7)))
	_, err = store.Get(ctx, LogKey(7))
	assert.ErrorIs(t, err, ErrArtifactNotFound)
	assert.NoError(t, store.Delete(ctx, LogKey(7)))

	fake.putErr = errors.New("access denied")
	assert.Error(t, store.Put(ctx, DiffKey(7), []byte("x")))
}

func TestS3Artifacts_FailsWorkspace(t *testing.T) {
	e := newEnv(t)
	fake := newFakeS3()
	fake.putErr = errors.New("bucket gone")
	e.sched.artifacts = NewS3Artifacts(fake, "artifacts")
	ws := e.workspace(t)
	e.enqueue(t)

	require.NoError(t, e.sched.ExecuteOne(context.Background(), ws.ID))
	got := e.reload(t, ws.ID)
	assert.Equal(t, "FAILED", got.State)
	assert.Contains(t, got.FailureMessage, "bucket gone")
}

func TestMemoryArtifacts(t *testing.T) {
	m := NewMemoryArtifacts()
	ctx := context.Background()
	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
	require.NoError(t, m.Put(ctx, "k", []byte("v")))
	assert.Equal(t, 1, m.Len())
	require.NoError(t, m.Delete(ctx, "k"))
	assert.Equal(t, 0, m.Len())
}

func TestDockerArgs(t *testing.T) {
	args := dockerArgs("/tmp/ws", StepInput{
		Path: "svc",
		Step: batchspec.Step{Run: "make fmt", Container: "golang", Env: map[string]string{"B": "2", "A": "1"}},
	})
	assert.Equal(t, []string{
		"run", "--rm", "-v", "/tmp/ws:/work", "-w", "/work/svc",
		"-e", "A=1", "-e", "B=2",
		"golang", "sh", "-c", "make fmt",
	}, args)
}
