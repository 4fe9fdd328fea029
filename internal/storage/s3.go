package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	commoncfg "vizora-realtime/common/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// ErrUnavailable 对象存储未配置或未启用
var ErrUnavailable = errors.New("object storage unavailable")

// DefaultPresignExpires 预签名 URL 默认有效期
const DefaultPresignExpires = 7 * 24 * time.Hour

// ObjectStorage 对象存储（上传 + 预签名下载）
type ObjectStorage interface {
	Available() bool
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
}

// S3Storage S3 / MinIO 实现
type S3Storage struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	expires time.Duration
	logger  *zap.Logger
}

// NewS3Storage 创建 S3 客户端；Endpoint 非空时按 MinIO 方式连接
func NewS3Storage(ctx context.Context, cfg *commoncfg.S3Config, logger *zap.Logger) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	expires := cfg.PresignExpires
	if expires <= 0 {
		expires = DefaultPresignExpires
	}

	logger.Info("Object storage configured",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("bucket", cfg.Bucket),
		zap.Bool("path_style", cfg.UsePathStyle),
	)

	return &S3Storage{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		expires: expires,
		logger:  logger,
	}, nil
}

// Available nil 接收者视为不可用
func (s *S3Storage) Available() bool {
	return s != nil && s.client != nil
}

// Bucket 默认桶
func (s *S3Storage) Bucket() string { return s.bucket }

// PutObject 上传对象到默认桶
func (s *S3Storage) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	if !s.Available() {
		return ErrUnavailable
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

// PresignGet 默认桶对象的预签名下载 URL
func (s *S3Storage) PresignGet(ctx context.Context, key string, expires time.Duration) (string, error) {
	return s.presignBucket(ctx, s.bucket, key, expires)
}

func (s *S3Storage) presignBucket(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	if !s.Available() {
		return "", ErrUnavailable
	}
	if expires <= 0 {
		expires = s.expires
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}

// ResolveURL 将 minio://bucket/key 或 s3://bucket/key 改写为预签名 URL；其它 URL 原样返回
func (s *S3Storage) ResolveURL(ctx context.Context, raw string) (string, error) {
	bucket, key, ok := ParseInternalURL(raw)
	if !ok {
		return raw, nil
	}
	return s.presignBucket(ctx, bucket, key, s.expires)
}

// ParseInternalURL 解析内部存储引用
func ParseInternalURL(raw string) (bucket, key string, ok bool) {
	var rest string
	switch {
	case strings.HasPrefix(raw, "minio://"):
		rest = strings.TrimPrefix(raw, "minio://")
	case strings.HasPrefix(raw, "s3://"):
		rest = strings.TrimPrefix(raw, "s3://")
	default:
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ScreenshotKey screenshots/<orgId>/<deviceId>/<epochMs>.png
func ScreenshotKey(orgID, deviceID string, at time.Time) string {
	return fmt.Sprintf("screenshots/%s/%s/%d.png", orgID, deviceID, at.UnixMilli())
}
