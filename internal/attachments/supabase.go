package attachments

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"gator-chat/internal/models"
)

// SupabaseResolver uploads to a Supabase storage bucket and returns the public
// object URL.
type SupabaseResolver struct {
	baseURL    string
	bucket     string
	folder     string
	serviceKey string
	httpClient *http.Client
	now        func() time.Time
}

func NewSupabaseResolver(baseURL, bucket, folder, serviceKey string) *SupabaseResolver {
	return &SupabaseResolver{
		baseURL:    strings.TrimRight(baseURL, "/"),
		bucket:     bucket,
		folder:     strings.Trim(folder, "/"),
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
}

func (s *SupabaseResolver) Store(ctx context.Context, upload Upload) (*models.Attachment, error) {
	if err := validate(upload); err != nil {
		return nil, err
	}

	objectPath := path.Join(s.folder, fmt.Sprintf("%d-%s", s.now().UnixMilli(), objectName(upload.Filename)))
	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, objectPath)
	mimeType := contentType(upload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(upload.Data))
	if err != nil {
		return nil, uploadFailed("build upload request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("x-upsert", "true")
	req.Header.Set("Content-Type", mimeType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, uploadFailed("upload file", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, uploadFailed(fmt.Sprintf("upload file: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}

	return &models.Attachment{
		Kind:         KindFor(mimeType),
		URL:          fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, objectPath),
		Size:         int64(len(upload.Data)),
		MimeType:     mimeType,
		OriginalName: upload.Filename,
	}, nil
}
