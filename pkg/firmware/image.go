// Package firmware loads the image pushed to the device.
package firmware

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/myrtio/myrtio-ota/pkg/security"
	"github.com/myrtio/myrtio-ota/pkg/storage"
)

// ErrNotFound means the firmware file does not exist.
var ErrNotFound = errors.New("firmware file not found")

// Image is an immutable firmware image.
type Image struct {
	Source string
	data   []byte
	md5    string
}

// New wraps data, computing its checksum.
func New(source string, data []byte) *Image {
	return &Image{Source: source, data: data, md5: Checksum(data)}
}

// Bytes returns the image contents. Callers must not modify them.
func (i *Image) Bytes() []byte { return i.data }

// Size is the image length in bytes.
func (i *Image) Size() int { return len(i.data) }

// MD5 is the hex encoded checksum sent in the invite.
func (i *Image) MD5() string { return i.md5 }

// Checksum returns the hex MD5 digest of data.
func Checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Downloader fetches remote images.
type Downloader interface {
	Download(ctx context.Context, obj storage.Object, localPath string, validator *security.Validator) (*storage.DownloadResult, error)
}

// Loader reads images from disk or, for s3:// sources, through a Downloader.
type Loader struct {
	Validator *security.Validator
	// Downloader may be nil when only local files are used.
	Downloader Downloader
	// WorkDir receives downloaded images.
	WorkDir string
}

// Load reads src and validates its size.
func (l *Loader) Load(ctx context.Context, src string) (*Image, error) {
	path := src
	expectedMD5 := ""

	if storage.IsURL(src) {
		obj, err := storage.ParseURL(src)
		if err != nil {
			return nil, err
		}
		if l.Downloader == nil {
			return nil, fmt.Errorf("no downloader configured for %s", src)
		}

		path = filepath.Join(l.WorkDir, "downloads", filepath.Base(obj.Key))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create download dir: %w", err)
		}

		res, err := l.Downloader.Download(ctx, obj, path, l.Validator)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", src, err)
		}
		path = res.LocalPath
		expectedMD5 = res.MD5
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Error("firmware_not_found", "path", path)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read firmware: %w", err)
	}

	if err := l.Validator.ValidateImageSize(int64(len(data))); err != nil {
		return nil, err
	}

	img := New(src, data)
	if expectedMD5 != "" && expectedMD5 != img.MD5() {
		return nil, fmt.Errorf("firmware %s changed on disk: md5 %s, downloaded %s", path, img.MD5(), expectedMD5)
	}

	slog.Info("firmware_loaded", "source", src, "size", img.Size(), "md5", img.MD5())
	return img, nil
}
