package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/adverant/docuflow/internal/capability"
	cerrors "github.com/adverant/docuflow/internal/errors"
)

// awsCredentialSecrets names the credential pair NewS3Store looks up
// through a capability.SecretsProvider before falling back to the
// SDK's default chain (env, shared config, instance role).
const (
	awsAccessKeySecret = "AWS_ACCESS_KEY_ID"
	awsSecretKeySecret = "AWS_SECRET_ACCESS_KEY"
)

// S3Store is the production BlobStore, using aws-sdk-go-v2's S3 client
// the way juju-juju's go.mod pulls in aws-sdk-go-v2/service/s3 alongside
// ec2/ecr/iam for its cloud-provider layer — generalized here to a
// single-bucket content-addressed object store.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store loads AWS credentials through secretsProvider when it holds
// AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY, otherwise falls back to the
// SDK's default chain (env, shared config, instance role) via
// aws-sdk-go-v2/config, scoped to region. secretsProvider may be nil.
func NewS3Store(ctx context.Context, bucket, region string, secretsProvider capability.SecretsProvider) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if creds, ok := staticCredentialsFrom(ctx, secretsProvider); ok {
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// staticCredentialsFrom fetches both halves of an AWS key pair from
// secretsProvider; it only returns ok=true when both are present, so a
// partially configured secrets backend never shadows the default chain.
func staticCredentialsFrom(ctx context.Context, secretsProvider capability.SecretsProvider) (aws.CredentialsProvider, bool) {
	if secretsProvider == nil {
		return nil, false
	}
	accessKey, err := secretsProvider.Fetch(ctx, awsAccessKeySecret)
	if err != nil {
		return nil, false
	}
	secretKey, err := secretsProvider.Fetch(ctx, awsSecretKeySecret)
	if err != nil {
		return nil, false
	}
	return credentials.NewStaticCredentialsProvider(string(accessKey), string(secretKey), ""), true
}

var _ capability.BlobStore = (*S3Store)(nil)

func (s *S3Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", cerrors.NewUpstream("s3 put object", true, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, cerrors.NewNotFound("blob", key)
		}
		return nil, cerrors.NewUpstream("s3 get object", true, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, cerrors.NewUpstream("s3 read body", true, err)
	}
	return data, nil
}

func (s *S3Store) Presign(ctx context.Context, key string, op capability.BlobOp, ttl time.Duration) (capability.PresignedURL, error) {
	presignClient := s3.NewPresignClient(s.client)
	var url string
	if op == capability.BlobPut {
		r, err := presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(ttl))
		if err != nil {
			return capability.PresignedURL{}, cerrors.NewUpstream("s3 presign put", true, err)
		}
		url = r.URL
	} else {
		r, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(ttl))
		if err != nil {
			return capability.PresignedURL{}, cerrors.NewUpstream("s3 presign get", true, err)
		}
		url = r.URL
	}
	return capability.PresignedURL{URL: url, ExpiresAt: time.Now().UTC().Add(ttl)}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return cerrors.NewUpstream("s3 delete object", true, err)
	}
	return nil
}

func (s *S3Store) Head(ctx context.Context, key string) (capability.BlobMeta, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return capability.BlobMeta{}, cerrors.NewNotFound("blob", key)
		}
		return capability.BlobMeta{}, cerrors.NewUpstream("s3 head object", true, err)
	}
	etag := ""
	if out.ETag != nil {
		etag = strings.Trim(*out.ETag, `"`)
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return capability.BlobMeta{Size: size, ETag: etag}, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, cerrors.NewUpstream("s3 list objects", true, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}
