// Package storage keeps signature images in an S3-compatible bucket, or in
// the signature_images table when no bucket is configured.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/smallbiznis/signflow/internal/clock"
	"github.com/smallbiznis/signflow/internal/config"
	contractdomain "github.com/smallbiznis/signflow/internal/contract/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrObjectNotFound = errors.New("object_not_found")
	ErrInvalidKey     = errors.New("invalid_object_key")
)

var Module = fx.Module("storage",
	fx.Provide(NewSignatureStore),
)

type Params struct {
	fx.In

	Lc    fx.Lifecycle
	Cfg   config.Config
	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock `optional:"true"`
}

// NewSignatureStore picks the bucket store when storage is configured.
func NewSignatureStore(p Params) (contractdomain.SignatureStore, error) {
	log := p.Log.Named("storage")
	if !p.Cfg.Storage.Enabled() {
		log.Info("object storage not configured, storing signatures in database")
		return NewDBStore(p.DB, p.Clock), nil
	}

	store, err := NewMinioStore(p.Cfg.Storage)
	if err != nil {
		return nil, err
	}
	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := store.EnsureBucket(ctx); err != nil {
				log.Error("signature bucket unavailable", zap.String("bucket", store.bucket), zap.Error(err))
				return err
			}
			return nil
		},
	})
	return store, nil
}

type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(cfg config.StorageConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload signature: %w", err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	if err := validateKey(key); err != nil {
		return nil, "", err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("get signature: %w", err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, "", ErrObjectNotFound
		}
		return nil, "", fmt.Errorf("stat signature: %w", err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", fmt.Errorf("read signature: %w", err)
	}
	return data, info.ContentType, nil
}

// DBStore writes images into signature_images.
type DBStore struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewDBStore(db *gorm.DB, clk clock.Clock) *DBStore {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &DBStore{db: db, clock: clk}
}

func (s *DBStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO signature_images (object_key, content_type, data, created_at)
		 VALUES (?, ?, ?, ?)`,
		key, contentType, data, s.clock.Now().UTC(),
	).Error
}

func (s *DBStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	if err := validateKey(key); err != nil {
		return nil, "", err
	}
	var row struct {
		ContentType string
		Data        []byte
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT content_type, data FROM signature_images WHERE object_key = ?`,
		key,
	).Scan(&row).Error; err != nil {
		return nil, "", err
	}
	if row.ContentType == "" {
		return nil, "", ErrObjectNotFound
	}
	return row.Data, row.ContentType, nil
}

func validateKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	return nil
}

