package blob

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cuongbtq/gas-pipeline/internal/domain"
	"github.com/cuongbtq/gas-pipeline/shared/awsclient"
)

// S3API is the part of the S3 client S3Store uses
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store is hot storage on S3
type S3Store struct {
	client S3API
}

// NewS3Store wraps an S3 client
func NewS3Store(client S3API) *S3Store {
	return &S3Store{client: client}
}

// Open streams the object at loc
func (s *S3Store) Open(ctx context.Context, loc domain.Location) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, awsclient.Classify("get object "+loc.String(), err)
	}
	return out.Body, nil
}

// Put writes body to loc
func (s *S3Store) Put(ctx context.Context, loc domain.Location, body io.ReadSeeker) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
		Body:   body,
	})
	if err != nil {
		return awsclient.Classify("put object "+loc.String(), err)
	}
	return nil
}

// Delete removes the object at loc. Deleting a missing key succeeds.
func (s *S3Store) Delete(ctx context.Context, loc domain.Location) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return awsclient.Classify("delete object "+loc.String(), err)
	}
	return nil
}
