// Package media stores user supplied images (avatars, issue photos) and
// returns the URL they are served from.
package media

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// MaxImageSize is the largest accepted upload
const MaxImageSize = 5 << 20

var allowedContentTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// ErrUnsupportedImage is returned for non image uploads or oversize files
var ErrUnsupportedImage = goerrors.New("unsupported image upload", goerrors.CategoryBadInput).
	WithCode(goerrors.CodeBadRequest).
	WithTextCode("UNSUPPORTED_IMAGE")

// File is an upload ready to be stored
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Validate checks the content type and size
func (f File) Validate() error {
	if _, ok := allowedContentTypes[strings.ToLower(f.ContentType)]; !ok {
		return ErrUnsupportedImage
	}
	if f.Size <= 0 || f.Size > MaxImageSize {
		return ErrUnsupportedImage
	}
	return nil
}

// Store persists images
type Store interface {
	Put(ctx context.Context, folder string, file File) (string, error)
}

// StorageKey builds a unique object key under folder
func StorageKey(folder string, file File, now time.Time) string {
	ext := allowedContentTypes[strings.ToLower(file.ContentType)]
	if e := path.Ext(file.Name); e != "" {
		ext = strings.ToLower(e)
	}
	return fmt.Sprintf("%s/%d/%02d/%s%s", strings.Trim(folder, "/"), now.Year(), now.Month(), uuid.New(), ext)
}

// Discard accepts uploads without storing them. Used when no object store
// is configured.
type Discard struct{}

// Put implements Store
func (Discard) Put(_ context.Context, _ string, file File) (string, error) {
	if err := file.Validate(); err != nil {
		return "", err
	}
	return "", nil
}
