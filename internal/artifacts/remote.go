package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Remote stores artifacts in an S3-compatible object store. Object puts are
// atomic on the service side, so no temp-and-rename dance is needed.
type Remote struct {
	client *minio.Client
	bucket string
	prefix string
}

// RemoteOptions configures the object store connection.
type RemoteOptions struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Prefix is prepended to every object key, keeping multiple deployments
	// apart within one bucket.
	Prefix string
}

// NewRemote connects to an S3-compatible endpoint.
func NewRemote(opts RemoteOptions) (*Remote, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.New("remote artifact store requires endpoint and bucket")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}
	return &Remote{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

func (r *Remote) key(workspace, name string) string {
	return path.Join(r.prefix, workspace, name)
}

func (r *Remote) EnsureWorkspace(_ context.Context, workspace string) (string, error) {
	// Object stores have no directories; the prefix is the workspace.
	return path.Join(r.prefix, workspace), nil
}

func (r *Remote) Exists(ctx context.Context, workspace, name string) (bool, error) {
	info, err := r.client.StatObject(ctx, r.bucket, r.key(workspace, name), minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s/%s: %w", workspace, name, err)
	}
	return info.Size > 0, nil
}

func (r *Remote) Read(ctx context.Context, workspace, name string) ([]byte, error) {
	obj, err := r.client.GetObject(ctx, r.bucket, r.key(workspace, name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", workspace, name, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s/%s: %w", workspace, name, err)
	}
	return data, nil
}

func (r *Remote) Locator(workspace, name string) string {
	return fmt.Sprintf("s3://%s/%s", r.bucket, r.key(workspace, name))
}

func (r *Remote) Write(ctx context.Context, workspace, name string, data []byte) (string, error) {
	key := r.key(workspace, name)
	_, err := r.client.PutObject(ctx, r.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("put object %s/%s: %w", workspace, name, err)
	}
	return fmt.Sprintf("s3://%s/%s", r.bucket, key), nil
}
