package pkgcache

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/oriys/edgejs/internal/domain"
)

// errExtractLimit 表示解压后的总大小超过上限。
var errExtractLimit = errors.New("extracted package exceeds size limit")

// extractTarGz 将 gzip 压缩的 tar 归档解压到 destDir。
// 先解压到临时目录，成功后再重命名，读者不会看到解压一半的目录。
// 返回解压后的文件总字节数。
func extractTarGz(archivePath, destDir string, limit int64) (int64, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrPackageIO, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("%w: not a gzip archive: %v", domain.ErrPackageCorrupt, err)
	}
	defer gz.Close()

	tempDir := destDir + ".tmp"
	if err := os.RemoveAll(tempDir); err != nil {
		return 0, fmt.Errorf("%w: failed to clean temp directory: %v", domain.ErrPackageIO, err)
	}
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return 0, fmt.Errorf("%w: failed to create temp directory: %v", domain.ErrPackageIO, err)
	}

	total, err := untar(tar.NewReader(gz), tempDir, limit)
	if err != nil {
		os.RemoveAll(tempDir)
		return 0, err
	}
	if err := os.Rename(tempDir, destDir); err != nil {
		os.RemoveAll(tempDir)
		return 0, fmt.Errorf("%w: failed to publish extracted package: %v", domain.ErrPackageIO, err)
	}
	return total, nil
}

func untar(tr *tar.Reader, dir string, limit int64) (int64, error) {
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return 0, fmt.Errorf("%w: truncated archive: %v", domain.ErrPackageCorrupt, err)
		}

		name := strings.TrimPrefix(filepath.FromSlash(hdr.Name), "./")
		if name == "" || name == "." {
			continue
		}
		path := filepath.Join(dir, name)
		// 防止路径遍历攻击
		if !withinRoot(dir, path) {
			return 0, fmt.Errorf("%w: unsafe path %q in archive", domain.ErrPackageCorrupt, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0755); err != nil {
				return 0, fmt.Errorf("%w: %v", domain.ErrPackageIO, err)
			}
		case tar.TypeReg:
			total += hdr.Size
			if limit > 0 && total > limit {
				return 0, fmt.Errorf("%w: %v", domain.ErrPackageCorrupt, errExtractLimit)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return 0, fmt.Errorf("%w: %v", domain.ErrPackageIO, err)
			}
			if err := writeFile(path, tr, hdr.Size); err != nil {
				return 0, err
			}
		default:
			// 符号链接、设备文件等一律忽略，包内只允许普通文件与目录
		}
	}
}

func writeFile(path string, r io.Reader, size int64) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPackageIO, err)
	}
	if _, err := io.CopyN(out, r, size); err != nil {
		out.Close()
		return fmt.Errorf("%w: short file in archive: %v", domain.ErrPackageCorrupt, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPackageIO, err)
	}
	return nil
}

// hashFile 计算文件的十六进制 SHA-256。
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// PackDir 将本地目录打包为 gzip 压缩的 tar 归档，返回归档字节与其 SHA-256。
// 用于本地运行未打包的函数目录；node_modules 会一并打包，隐藏目录被跳过。
func PackDir(dir string) ([]byte, string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !d.IsDir() && !info.Mode().IsRegular() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to pack %s: %w", dir, err)
	}
	if err := tw.Close(); err != nil {
		return nil, "", err
	}
	if err := gz.Close(); err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}
