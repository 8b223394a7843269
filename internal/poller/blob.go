package poller

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client the blob poller needs, so tests can
// supply a fake without standing up a real bucket.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// BlobSource lists and fetches objects from an S3-compatible bucket under
// a prefix, used for both AWS S3 and Azure Blob Storage configurations
// accessed through an S3-compatible gateway.
type BlobSource struct {
	Client S3API
	Bucket string
	Prefix string
}

// List returns objects under Prefix whose base name matches globPattern.
func (b *BlobSource) List(ctx context.Context, globPattern string) ([]RemoteFile, error) {
	out, err := b.Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.Bucket),
		Prefix: aws.String(b.Prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 list objects: %w", err)
	}

	files := make([]RemoteFile, 0, len(out.Contents))
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		base := path.Base(key)
		if globPattern != "" {
			if matched, _ := path.Match(globPattern, base); !matched {
				continue
			}
		}
		keyCopy := key
		files = append(files, RemoteFile{
			Name:       base,
			Path:       key,
			Size:       aws.ToInt64(obj.Size),
			ModifiedAt: aws.ToTime(obj.LastModified),
			Fetch: func(ctx context.Context) ([]byte, error) {
				return b.fetch(ctx, keyCopy)
			},
		})
	}
	return files, nil
}

func (b *BlobSource) fetch(ctx context.Context, key string) ([]byte, error) {
	return b.Get(ctx, key)
}

// Get fetches one object by key. Exported so a one-shot blob connector
// node can share the bucket/prefix configuration with the directory-
// watching poller rather than duplicating it.
func (b *BlobSource) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := b.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get object %q: %w", key, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("s3 read object %q: %w", key, err)
	}
	return buf.Bytes(), nil
}

// Put writes content to key.
func (b *BlobSource) Put(ctx context.Context, key string, content []byte) error {
	_, err := b.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return fmt.Errorf("s3 put object %q: %w", key, err)
	}
	return nil
}
