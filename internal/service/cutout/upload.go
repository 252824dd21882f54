package cutout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	units "github.com/docker/go-units"

	"cutout/internal/models"
)

const (
	sniffLen     = 512
	maxExtLength = 10
)

var errTooLarge = errors.New("upload exceeds size limit")

// mime.ExtensionsByType sorts alphabetically, which picks ".jfif" for jpeg.
var preferredExt = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
	"image/bmp":  "bmp",
	"image/tiff": "tiff",
}

// UploadInput is one file taken from a multipart request.
type UploadInput struct {
	Filename    string
	ContentType string
	// Size is the declared size, or -1 when unknown. The limit is enforced
	// on the bytes actually read either way.
	Size int64
	Body io.Reader
}

// Upload validates an image and stores it as a new input artifact.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*models.UploadRecord, error) {
	if in.Body == nil {
		return nil, newError(KindValidation, "No file uploaded", nil)
	}
	if in.Size > s.maxUpload {
		return nil, s.tooLarge()
	}

	body := in.Body
	contentType := mediaType(in.ContentType)
	if contentType == "" || contentType == "application/octet-stream" {
		head := make([]byte, sniffLen)
		n, err := io.ReadFull(body, head)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, newError(KindLocal, "Failed to upload file", err)
		}
		contentType = mediaType(http.DetectContentType(head[:n]))
		body = io.MultiReader(bytes.NewReader(head[:n]), body)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, newError(KindUnsupportedMedia, "Only images allowed", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(KindLocal, "Upload canceled", err)
	}

	id := s.newID()
	path, n, err := s.store.Put(models.RoleInput, id, extensionFor(in.Filename, contentType), &limitedReader{r: body, remaining: s.maxUpload})
	if err != nil {
		if errors.Is(err, errTooLarge) {
			return nil, s.tooLarge()
		}
		return nil, newError(KindLocal, "Failed to upload file", err)
	}
	s.logger.Info().
		Str("upload_id", id.String()).
		Str("file", path.Name()).
		Str("size", units.HumanSize(float64(n))).
		Str("mime", contentType).
		Msg("upload stored")
	return &models.UploadRecord{
		ID:             id,
		StoredFilename: path.Name(),
		SizeBytes:      n,
		ContentType:    contentType,
	}, nil
}

func (s *Service) tooLarge() *Error {
	return newError(KindValidation,
		fmt.Sprintf("File too large. Maximum size is %s", units.BytesSize(float64(s.maxUpload))), errTooLarge)
}

func mediaType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(ct)
	}
	return mt
}

// extensionFor keeps the original extension when it is plain alphanumeric,
// otherwise derives one from the content type.
func extensionFor(filename, contentType string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filepath.Base(filename)), "."))
	if ext != "" && len(ext) <= maxExtLength && isAlnum(ext) {
		return ext
	}
	if ext, ok := preferredExt[contentType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return ""
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// limitedReader fails once more than remaining bytes are read, unlike
// io.LimitReader which silently truncates.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, errTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, errTooLarge
	}
	return n, err
}
