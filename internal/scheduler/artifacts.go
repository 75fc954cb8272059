package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrArtifactNotFound is returned when an artifact does not exist.
var ErrArtifactNotFound = errors.New("scheduler: artifact not found")

// ArtifactStore keeps workspace logs and diffs.
type ArtifactStore interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// LogKey names the execution log of a workspace.
func LogKey(workspaceID uint) string { return fmt.Sprintf("workspaces/%d/log", workspaceID) }

// DiffKey names the final diff of a workspace.
func DiffKey(workspaceID uint) string { return fmt.Sprintf("workspaces/%d/diff", workspaceID) }

// MemoryArtifacts is an in-process ArtifactStore. It is safe for concurrent use.
type MemoryArtifacts struct {
	mu    sync.RWMutex
	store map[string][]byte
}

// NewMemoryArtifacts creates an empty MemoryArtifacts.
func NewMemoryArtifacts() *MemoryArtifacts {
	return &MemoryArtifacts{store: make(map[string][]byte)}
}

// Put implements ArtifactStore.
func (m *MemoryArtifacts) Put(ctx context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[key] = append([]byte(nil), body...)
	return nil
}

// Get implements ArtifactStore.
func (m *MemoryArtifacts) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.store[key]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	return append([]byte(nil), data...), nil
}

// Delete implements ArtifactStore.
func (m *MemoryArtifacts) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, key)
	return nil
}

// Len returns the number of stored artifacts.
func (m *MemoryArtifacts) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.store)
}

// S3Client captures the subset of the AWS SDK client used by S3Artifacts.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Artifacts stores artifacts in an S3-compatible bucket.
type S3Artifacts struct {
	client S3Client
	bucket string
}

// NewS3Artifacts creates an ArtifactStore backed by bucket.
func NewS3Artifacts(client S3Client, bucket string) *S3Artifacts {
	return &S3Artifacts{client: client, bucket: bucket}
}

// NewS3Client builds an S3 client from static credentials. endpoint may
// point at an S3-compatible server such as MinIO, in which case path-style
// addressing is used.
func NewS3Client(region, endpoint, accessKey, secretKey string) *s3.Client {
	opts := s3.Options{Region: region}
	if accessKey != "" {
		opts.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey, Source: "batchyard"}, nil
		})
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}

// Put implements ArtifactStore.
func (s *S3Artifacts) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("scheduler: put %s: %w", key, err)
	}
	return nil
}

// Get implements ArtifactStore.
func (s *S3Artifacts) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("scheduler: get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Delete implements ArtifactStore. Deleting a missing key is not an error.
func (s *S3Artifacts) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	var notFound *types.NoSuchKey
	if err != nil && !errors.As(err, &notFound) {
		return fmt.Errorf("scheduler: delete %s: %w", key, err)
	}
	return nil
}
