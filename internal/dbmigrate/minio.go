package dbmigrate

import (
	"context"
	"io"
	"path"
	"sort"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/500Foods/Philement-sub001/internal/errs"
)

// ObjectConfig describes a MinIO bucket holding migration files.
type ObjectConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// ObjectSource reads migrations from a MinIO bucket. Objects are matched by
// base name against the NNNN_name.sql pattern, under an optional prefix.
type ObjectSource struct {
	client *miniogo.Client
	bucket string
	prefix string
}

// NewObjectSource connects to MinIO and verifies the bucket exists.
func NewObjectSource(ctx context.Context, cfg ObjectConfig) (*ObjectSource, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrKindConnectionFailed, "create minio client")
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrKindConnectionFailed, "check migrations bucket")
	}
	if !exists {
		return nil, errs.Newf(errs.ErrKindNotFound, "migrations bucket %q does not exist", cfg.Bucket)
	}

	return &ObjectSource{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Migrations lists matching objects sorted by name and downloads their
// contents.
func (s *ObjectSource) Migrations(ctx context.Context) ([]Migration, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, miniogo.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, errs.Wrap(obj.Err, errs.ErrKindUnknown, "list migration objects")
		}
		if migrationName.MatchString(path.Base(obj.Key)) {
			keys = append(keys, obj.Key)
		}
	}
	sort.Strings(keys)

	out := make([]Migration, 0, len(keys))
	for _, key := range keys {
		sql, err := s.fetch(ctx, key)
		if err != nil {
			return nil, err
		}
		if sql == "" {
			continue
		}
		out = append(out, Migration{Name: path.Base(key), SQL: sql})
	}
	return out, nil
}

func (s *ObjectSource) fetch(ctx context.Context, key string) (string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, miniogo.GetObjectOptions{})
	if err != nil {
		return "", errs.Wrap(err, errs.ErrKindUnknown, "fetch migration object")
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return "", errs.Wrap(err, errs.ErrKindUnknown, "read migration object")
	}
	return strings.TrimSpace(string(data)), nil
}
