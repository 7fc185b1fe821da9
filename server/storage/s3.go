package storage

import (
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cyclopcam/logs"
)

// StorageS3 is an Amazon S3-based blob store
type StorageS3 struct {
	bucketName string
	client     *s3.Client
	log        logs.Log
}

func NewStorageS3(log logs.Log, bucketName, region string) (*StorageS3, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &StorageS3{
		bucketName: bucketName,
		client:     s3.NewFromConfig(awsCfg),
		log:        log,
	}, nil
}

// s3Writer streams an upload into PutObject via a pipe.
// Close blocks until the upload has finished, and returns its error.
type s3Writer struct {
	pw   *io.PipeWriter
	done chan error
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *s3Writer) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	return <-w.done
}

func (s *StorageS3) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucketName),
			Key:    aws.String(name),
			Body:   pr,
		})
		// Unblock the writer if the upload died midway
		pr.CloseWithError(err)
		done <- err
	}()
	return &s3Writer{pw: pw, done: done}, nil
}

func (s *StorageS3) ReadFile(ctx context.Context, name string) (*File, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(name),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	f := &File{
		Reader: out.Body,
	}
	if out.LastModified != nil {
		f.ModifiedAt = *out.LastModified
	}
	if out.ContentLength != nil {
		f.Size = *out.ContentLength
	}
	return f, nil
}

func (s *StorageS3) DeleteFile(ctx context.Context, name string) error {
	// S3 DeleteObject succeeds on a missing key, so we can't report ErrNotExist here
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(name),
	})
	return err
}
