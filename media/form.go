package media

import (
	"mime/multipart"
)

// FormFiler is the part of a request context that exposes multipart
// uploads. router.Context satisfies it.
type FormFiler interface {
	FormFile(key string) (*multipart.FileHeader, error)
}

// FromForm reads an optional multipart file field. It returns nil when the
// request has no such file, including non multipart requests. The returned
// close function must be called once the file has been consumed.
func FromForm(c FormFiler, field string) (*File, func(), error) {
	fh, err := c.FormFile(field)
	if err != nil || fh == nil {
		return nil, func() {}, nil
	}

	f, err := fh.Open()
	if err != nil {
		return nil, func() {}, err
	}

	file := &File{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Body:        f,
	}

	return file, func() { _ = f.Close() }, nil
}
