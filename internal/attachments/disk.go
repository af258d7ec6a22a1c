package attachments

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"gator-chat/internal/models"
)

// DefaultMediaDir is where uploads land when no directory is configured.
const DefaultMediaDir = "uploads/chat-media"

// DiskResolver writes uploads below Dir and serves them under URLPrefix.
type DiskResolver struct {
	Dir       string
	URLPrefix string
	now       func() time.Time
}

func NewDiskResolver(dir, urlPrefix string) *DiskResolver {
	if dir == "" {
		dir = DefaultMediaDir
	}
	if urlPrefix == "" {
		urlPrefix = "/" + DefaultMediaDir
	}
	return &DiskResolver{Dir: dir, URLPrefix: urlPrefix, now: time.Now}
}

func (d *DiskResolver) Store(ctx context.Context, upload Upload) (*models.Attachment, error) {
	if err := validate(upload); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, uploadFailed("upload cancelled", err)
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return nil, uploadFailed("failed to prepare media directory", err)
	}

	name := fmt.Sprintf("%d-%s", d.now().UnixMilli(), objectName(upload.Filename))
	if err := os.WriteFile(filepath.Join(d.Dir, name), upload.Data, 0o644); err != nil {
		return nil, uploadFailed("failed to write upload", err)
	}

	mimeType := contentType(upload)
	return &models.Attachment{
		Kind:         KindFor(mimeType),
		URL:          path.Join(d.URLPrefix, name),
		Size:         int64(len(upload.Data)),
		MimeType:     mimeType,
		OriginalName: upload.Filename,
	}, nil
}
