package escrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/hashicorp/vault/api"
)

// Storage persists uploaded bundles.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

var validKey = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// ValidKey reports whether a key can be used with every storage backend.
func ValidKey(key string) bool {
	return len(key) <= 255 && validKey.MatchString(key)
}

// StorageFor creates a storage backend from a location URI. Supported schemes are:
//
//   - file:///path/to/dir
//   - vault://host:port/mount/path?token=...&tls=false
//   - s3://[access:secret@]bucket/prefix?region=...&endpoint=...
func StorageFor(location string, log *slog.Logger) (Storage, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid storage location: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file", "":
		return NewFileStorage(u.Path, log)
	case "vault":
		return newVaultStorageFromURL(u, log)
	case "s3":
		return newS3StorageFromURL(u, log)
	default:
		return nil, fmt.Errorf("unsupported storage scheme: %s", u.Scheme)
	}
}

// FileStorage keeps each bundle in its own file within a directory.
type FileStorage struct {
	dir string
	log *slog.Logger
}

// NewFileStorage creates a file storage backend, creating the directory if needed.
func NewFileStorage(dir string, log *slog.Logger) (*FileStorage, error) {
	if dir == "" {
		return nil, errors.New("file storage requires a directory")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStorage{dir: dir, log: log}, nil
}

func (f *FileStorage) Get(_ context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, ErrInvalidKey
	}

	data, err := os.ReadFile(filepath.Join(f.dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

func (f *FileStorage) Put(_ context.Context, key string, data []byte) error {
	if !ValidKey(key) {
		return ErrInvalidKey
	}

	target := filepath.Join(f.dir, key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	f.log.Debug("Stored bundle", slog.String("key", key), slog.Int("size", len(data)))
	return nil
}

// VaultStorage keeps bundles in a HashiCorp Vault KV v2 secrets engine.
type VaultStorage struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultStorage creates a Vault storage backend. If token is empty the client falls back to VAULT_TOKEN.
func NewVaultStorage(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultStorage, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &VaultStorage{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		log:       log,
	}, nil
}

func newVaultStorageFromURL(u *url.URL, log *slog.Logger) (*VaultStorage, error) {
	scheme := "https"
	if u.Query().Get("tls") == "false" {
		scheme = "http"
	}

	mount, data, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if mount == "" {
		return nil, errors.New("vault storage requires a mount path")
	}

	return NewVaultStorage(fmt.Sprintf("%s://%s", scheme, u.Host), mount, data, u.Query().Get("token"), log)
}

func (v *VaultStorage) secretPath(key string) string {
	return path.Join(v.mountPath, "data", v.dataPath, key)
}

func (v *VaultStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, ErrInvalidKey
	}

	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath(key))
	if err != nil {
		v.log.Error("Failed to read from Vault", slog.String("key", key), "err", err)
		return nil, fmt.Errorf("failed to read from Vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}

	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil, errors.New("invalid data format in Vault response")
	}

	content, ok := data["content"].(string)
	if !ok {
		return nil, errors.New("content key not found in Vault data")
	}
	return []byte(content), nil
}

func (v *VaultStorage) Put(ctx context.Context, key string, data []byte) error {
	if !ValidKey(key) {
		return ErrInvalidKey
	}

	_, err := v.client.Logical().WriteWithContext(ctx, v.secretPath(key), map[string]any{
		"data": map[string]any{"content": string(data)},
	})
	if err != nil {
		v.log.Error("Failed to write to Vault", slog.String("key", key), "err", err)
		return fmt.Errorf("failed to write to Vault: %w", err)
	}
	return nil
}

// S3Storage keeps bundles as objects in an S3 compatible bucket.
type S3Storage struct {
	client *s3.S3
	bucket string
	prefix string
	log    *slog.Logger
}

// NewS3Storage creates an S3 storage backend. Without explicit credentials the SDK's default chain is used.
func NewS3Storage(bucket, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Storage, error) {
	cfg := aws.Config{Region: aws.String(region)}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Storage{
		client: s3.New(sess),
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    log,
	}, nil
}

func newS3StorageFromURL(u *url.URL, log *slog.Logger) (*S3Storage, error) {
	if u.Host == "" {
		return nil, errors.New("s3 storage requires a bucket")
	}

	region := u.Query().Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Storage(u.Host, u.Path, region, u.Query().Get("endpoint"), accessKey, secretKey, log)
}

func (s *S3Storage) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, ErrInvalidKey
	}

	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, ErrNotFound
		}
		s.log.Error("Failed to get object from S3", slog.String("key", key), "err", err)
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

func (s *S3Storage) Put(ctx context.Context, key string, data []byte) error {
	if !ValidKey(key) {
		return ErrInvalidKey
	}

	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		s.log.Error("Failed to put object to S3", slog.String("key", key), "err", err)
		return fmt.Errorf("failed to put object to S3: %w", err)
	}
	return nil
}
