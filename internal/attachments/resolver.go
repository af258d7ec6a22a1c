// Package attachments stores raw uploads and hands back the reference a media
// message carries.
package attachments

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"gator-chat/internal/models"
	"gator-chat/internal/utils"
)

// Upload is a raw file received from a client.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Resolver persists an upload. Any failure is reported as UPLOAD_FAILED.
type Resolver interface {
	Store(ctx context.Context, upload Upload) (*models.Attachment, error)
}

// KindFor maps a MIME type to the attachment kind used on messages.
func KindFor(mimeType string) models.AttachmentKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.AttachmentImage
	case strings.HasPrefix(mimeType, "video/"):
		return models.AttachmentVideo
	default:
		return models.AttachmentDocument
	}
}

// contentType prefers the declared type and sniffs the bytes otherwise.
func contentType(upload Upload) string {
	if upload.ContentType != "" && upload.ContentType != "application/octet-stream" {
		return upload.ContentType
	}
	return http.DetectContentType(upload.Data)
}

func validate(upload Upload) error {
	if len(upload.Data) == 0 {
		return utils.NewInvalidInputError("No file uploaded")
	}
	return nil
}

// objectName keeps only the base name and replaces characters that do not
// belong in a path segment.
func objectName(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '?', '#', '%', '&':
			return '_'
		}
		return r
	}, name)
}

func uploadFailed(message string, err error) error {
	return utils.NewAppError(utils.ErrUploadFailed, message, err)
}
