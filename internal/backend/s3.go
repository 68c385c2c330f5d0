package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3 stores files as objects under an optional key prefix of one bucket.
type S3 struct {
	client       s3iface.S3API
	uploader     *s3manager.Uploader
	bucket       string
	prefix       string
	storageClass string
	sse          string
	region       string
	opts         Options
}

func openS3(_ context.Context, settings Settings, opts Options) (Backend, error) {
	if err := settings.Require("bucket"); err != nil {
		return nil, err
	}
	cfg := &aws.Config{
		Region:     aws.String(settings.String("region", "us-east-1")),
		DisableSSL: aws.Bool(!settings.Bool("use_https", true)),
	}
	if endpoint := settings.String("endpoint", ""); endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if ak := settings.String("access_key", ""); ak != "" {
		cfg.Credentials = credentials.NewStaticCredentials(ak, settings.String("secret_key", ""), "")
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 session: %w", err)
	}
	return NewS3(s3.New(sess), settings, opts), nil
}

// NewS3 wraps an existing client. settings supplies bucket, prefix,
// storage_class and sse.
func NewS3(client s3iface.S3API, settings Settings, opts Options) *S3 {
	return &S3{
		client:       client,
		uploader:     s3manager.NewUploaderWithClient(client),
		bucket:       settings["bucket"],
		prefix:       strings.Trim(settings.String("prefix", ""), "/"),
		storageClass: settings.String("storage_class", ""),
		sse:          settings.String("sse", ""),
		region:       settings.String("region", ""),
		opts:         opts.withDefaults(),
	}
}

func (b *S3) key(rel string) string {
	return joinRemote(b.prefix, rel)
}

// List pages through every object under the prefix. Multipart ETags are not
// content hashes and are reported without a fingerprint.
func (b *S3) List(ctx context.Context, root string) ([]Entry, error) {
	base := b.key(root)
	listPrefix := base
	if listPrefix != "" {
		listPrefix += "/"
	}
	var entries []Entry
	err := b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(listPrefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			rel := strings.TrimPrefix(key, listPrefix)
			if rel == "" || IsHidden(rel) {
				continue
			}
			entries = append(entries, Entry{
				Path:        rel,
				Size:        aws.Int64Value(obj.Size),
				ModTime:     aws.TimeValue(obj.LastModified),
				Fingerprint: etagFingerprint(aws.StringValue(obj.ETag)),
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list s3://%s/%s: %w", b.bucket, listPrefix, err)
	}
	return entries, nil
}

func etagFingerprint(etag string) string {
	etag = strings.Trim(etag, `"`)
	if etag == "" || strings.Contains(etag, "-") {
		return ""
	}
	return strings.ToLower(etag)
}

// Put uploads localPath, switching to multipart for large files.
func (b *S3) Put(ctx context.Context, localPath, remotePath string) error {
	f, err := b.opts.LocalFS.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	input := &s3manager.UploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(remotePath)),
		Body:   newReader(ctx, f, b.opts.Limiter),
	}
	if b.storageClass != "" {
		input.StorageClass = aws.String(b.storageClass)
	}
	if b.sse != "" {
		input.ServerSideEncryption = aws.String(b.sse)
	}
	if _, err := b.uploader.UploadWithContext(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %s: %w", remotePath, err)
	}
	return nil
}

// Get streams an object to localPath.
func (b *S3) Get(ctx context.Context, remotePath, localPath string) error {
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(remotePath)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
		}
		return fmt.Errorf("failed to download %s: %w", remotePath, err)
	}
	defer out.Body.Close()
	_, err = writeAtomic(ctx, b.opts.LocalFS, localPath, out.Body, b.opts.Limiter)
	return err
}

// Delete removes the object. S3 deletes are idempotent.
func (b *S3) Delete(ctx context.Context, remotePath string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(remotePath)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", remotePath, err)
	}
	return nil
}

// EnsureContainer creates the bucket when it does not exist. Key prefixes
// need no creation.
func (b *S3) EnsureContainer(ctx context.Context, _ string) error {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	if !isS3NotFound(err) {
		return fmt.Errorf("failed to check bucket %s: %w", b.bucket, err)
	}
	input := &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}
	if b.region != "" && b.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3.CreateBucketConfiguration{
			LocationConstraint: aws.String(b.region),
		}
	}
	if _, err := b.client.CreateBucketWithContext(ctx, input); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", b.bucket, err)
	}
	return nil
}

// Fingerprint returns the listed ETag when it is a plain md5.
func (b *S3) Fingerprint(_ context.Context, e Entry) (string, bool, error) {
	return e.Fingerprint, e.Fingerprint != "", nil
}

// Close is a no-op; the SDK client holds no dedicated connection.
func (b *S3) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchBucket, s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
