package blob

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
)

// S3Client abstracts the S3 API operations used by [S3Fetcher].
// The [s3.Client] type satisfies this interface.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Fetcher implements [Fetcher] backed by Amazon S3 or any S3-compatible
// object store (MinIO, R2, GCS interop endpoints).
//
// All storage keys are mapped under an optional prefix. The caller is
// responsible for configuring the [s3.Client] with credentials, region, and
// endpoint.
type S3Fetcher struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3 creates an S3-backed Fetcher. Any type satisfying [S3Client] is
// accepted; typically an [s3.Client]. Prefix is prepended to all object keys;
// pass "" for no prefix.
func NewS3(client S3Client, bucket, prefix string) *S3Fetcher {
	return &S3Fetcher{client: client, bucket: bucket, prefix: prefix}
}

// key builds the full S3 object key for the given storage key.
func (f *S3Fetcher) key(k string) string {
	if f.prefix == "" {
		return k
	}
	return f.prefix + "/" + k
}

// Fetch opens the named object for reading via GetObject. Missing keys yield
// an apperr.KindNotFound error; any other failure is reported as transient so
// retry/failover layers treat the store as recoverable.
func (f *S3Fetcher) Fetch(ctx context.Context, k string) (io.ReadCloser, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key(k)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, apperr.Newf(apperr.KindNotFound, "audio object %q not found", k)
		}
		return nil, apperr.Wrap(apperr.KindTransient, "fetch audio object "+k, err)
	}
	return out.Body, nil
}

// Exists checks whether the named object exists via HeadObject.
func (f *S3Fetcher) Exists(ctx context.Context, k string) (bool, error) {
	_, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key(k)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, apperr.Wrap(apperr.KindTransient, "head audio object "+k, err)
	}
	return true, nil
}

// isS3NotFound reports whether err indicates the S3 object does not exist.
func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

// copyToFile writes the reader's content to destPath, replacing any existing
// file.
func copyToFile(r io.Reader, destPath string) (int64, error) {
	out, err := os.Create(destPath)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(destPath)
		return n, err
	}
	return n, nil
}

// Compile-time interface check.
var _ Fetcher = (*S3Fetcher)(nil)
