package pkgcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/oriys/edgejs/internal/config"
	"github.com/oriys/edgejs/internal/domain"
)

// Source 提供函数包归档（gzip 压缩的 tar）的读取。
// 对象不存在时返回包装了 domain.ErrPackageNotFound 的错误，其余失败视为暂时性错误。
type Source interface {
	Fetch(ctx context.Context, ref domain.PackageRef) (io.ReadCloser, error)
}

// MinioSource 从 S3 兼容对象存储读取归档。
type MinioSource struct {
	client *minio.Client
	bucket string
}

// NewMinioSource 根据配置创建对象存储来源。
func NewMinioSource(cfg config.ObjectStoreConfig) (*MinioSource, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return &MinioSource{client: client, bucket: cfg.Bucket}, nil
}

// Fetch 读取 ref 对应的对象。
func (s *MinioSource) Fetch(ctx context.Context, ref domain.PackageRef) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, ref.ObjectKey(), minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinioError(ref, err)
	}
	// GetObject 是惰性的，Stat 才会真正访问服务端
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, classifyMinioError(ref, err)
	}
	return obj, nil
}

func classifyMinioError(ref domain.PackageRef, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %s", domain.ErrPackageNotFound, ref.ObjectKey())
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrPackageIO, ref.ObjectKey(), err)
}

// DirSource 从本地目录读取归档，布局与对象存储键一致。
type DirSource struct {
	root string
}

// NewDirSource 创建本地目录来源。
func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

// Fetch 打开 root/<objectKey>。
func (s *DirSource) Fetch(_ context.Context, ref domain.PackageRef) (io.ReadCloser, error) {
	key := filepath.FromSlash(ref.ObjectKey())
	path := filepath.Join(s.root, key)
	if !withinRoot(s.root, path) {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidPackageRef, ref.ObjectKey())
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrPackageNotFound, ref.ObjectKey())
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrPackageIO, err)
	}
	return f, nil
}

// MemorySource 在内存中保存归档，用于单次运行与测试。
type MemorySource struct {
	mu      sync.RWMutex
	objects map[string][]byte
	fetches atomic.Int64
}

// NewMemorySource 创建空的内存来源。
func NewMemorySource() *MemorySource {
	return &MemorySource{objects: make(map[string][]byte)}
}

// Put 以 ref 的对象键保存归档。
func (s *MemorySource) Put(ref domain.PackageRef, archive []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[ref.ObjectKey()] = archive
}

// Fetch 返回归档副本。
func (s *MemorySource) Fetch(_ context.Context, ref domain.PackageRef) (io.ReadCloser, error) {
	s.fetches.Add(1)
	s.mu.RLock()
	data, ok := s.objects[ref.ObjectKey()]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPackageNotFound, ref.ObjectKey())
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Fetches 返回 Fetch 被调用的次数。
func (s *MemorySource) Fetches() int64 {
	return s.fetches.Load()
}

func withinRoot(root, path string) bool {
	cleanRoot := filepath.Clean(root)
	cleanPath := filepath.Clean(path)
	return cleanPath == cleanRoot || strings.HasPrefix(cleanPath, cleanRoot+string(os.PathSeparator))
}
