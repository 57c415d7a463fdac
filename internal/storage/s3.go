package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures the S3 temporary store.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	// PublicBaseURL, when set, is used to build object URLs instead of
	// presigned GET URLs.
	PublicBaseURL string
	PresignExpiry time.Duration
}

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type s3Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Store keeps temporary objects in an S3 compatible bucket.
type S3Store struct {
	api           s3API
	presigner     s3Presigner
	bucket        string
	publicBaseURL string
	presignExpiry time.Duration
}

// NewS3Store builds an S3 client from opts. Static credentials are used when
// provided, otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("storage: s3 bucket is required")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return newS3Store(client, s3.NewPresignClient(client), opts), nil
}

func newS3Store(api s3API, presigner s3Presigner, opts S3Options) *S3Store {
	expiry := opts.PresignExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &S3Store{
		api:           api,
		presigner:     presigner,
		bucket:        opts.Bucket,
		publicBaseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		presignExpiry: expiry,
	}
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (Object, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return Object{}, err
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(cleanKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.api.PutObject(ctx, in); err != nil {
		return Object{}, fmt.Errorf("storage: s3 put %s: %w", cleanKey, err)
	}
	url, err := s.objectURL(ctx, cleanKey)
	if err != nil {
		_ = s.Delete(context.WithoutCancel(ctx), cleanKey)
		return Object{}, err
	}
	return Object{FileURL: url, FilePublicID: cleanKey}, nil
}

func (s *S3Store) Delete(ctx context.Context, publicID string) error {
	cleanKey, err := sanitizeKey(publicID)
	if err != nil {
		return err
	}
	if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(cleanKey),
	}); err != nil {
		return fmt.Errorf("storage: s3 delete %s: %w", cleanKey, err)
	}
	return nil
}

func (s *S3Store) objectURL(ctx context.Context, key string) (string, error) {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + key, nil
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.presignExpiry))
	if err != nil {
		return "", fmt.Errorf("storage: presign %s: %w", key, err)
	}
	return req.URL, nil
}

var _ TempStore = (*S3Store)(nil)
