package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"slices"
	"time"

	"roomcall/native/internal/domain"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxFileSize is the largest file the upload service accepts.
const MaxFileSize = 50 * 1024 * 1024

// AllowedTypes are the MIME types the upload service accepts.
var AllowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"video/mp4",
	"video/webm",
	"audio/mp3",
	"audio/wav",
	"application/pdf",
	"text/plain",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// ErrNotConfigured is returned when no upload URL is set.
var ErrNotConfigured = errors.New("upload service not configured")

// ValidationError lists why a file was rejected before upload.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid file: %v", e.Problems)
}

// Validate checks size and type. Parameters such as charset are ignored.
func Validate(size int64, contentType string) error {
	var problems []string
	if size > MaxFileSize {
		problems = append(problems, fmt.Sprintf("file size must be less than %dMB", MaxFileSize/(1024*1024)))
	}
	if !slices.Contains(AllowedTypes, baseType(contentType)) {
		problems = append(problems, "file type not supported")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func baseType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	return mt
}

// DetectType picks a MIME type for a file, by extension first and then by
// sniffing its content.
func DetectType(name string, data []byte) string {
	if ext := filepath.Ext(name); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return mimetype.Detect(data).String()
}

type uploadResponse struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Client uploads files to the blob service.
type Client struct {
	url   string
	token string
	http  *http.Client
	log   *zap.Logger
}

// NewClient creates an upload client for url. token, if set, is sent as a
// bearer token.
func NewClient(url, token string, log *zap.Logger) *Client {
	return &Client{
		url:   url,
		token: token,
		http:  &http.Client{Timeout: 2 * time.Minute},
		log:   log.Named("api"),
	}
}

// Upload validates and posts the file as multipart form data.
func (c *Client) Upload(ctx context.Context, roomID, name, contentType string, data []byte) (domain.BlobRef, error) {
	if c.url == "" {
		return domain.BlobRef{}, ErrNotConfigured
	}
	if err := Validate(int64(len(data)), contentType); err != nil {
		return domain.BlobRef{}, err
	}

	id := uuid.NewString()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("roomId", roomID); err != nil {
		return domain.BlobRef{}, fmt.Errorf("write roomId field: %w", err)
	}
	if err := mw.WriteField("id", id); err != nil {
		return domain.BlobRef{}, fmt.Errorf("write id field: %w", err)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return domain.BlobRef{}, fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return domain.BlobRef{}, fmt.Errorf("write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return domain.BlobRef{}, fmt.Errorf("close multipart: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return domain.BlobRef{}, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return domain.BlobRef{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.BlobRef{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.BlobRef{}, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var up uploadResponse
	if err := json.Unmarshal(respBody, &up); err != nil {
		return domain.BlobRef{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if up.URL == "" {
		return domain.BlobRef{}, fmt.Errorf("upload response without url")
	}
	ref := domain.BlobRef{Name: up.Name, URL: up.URL, Size: up.Size, Type: up.Type}
	if ref.Name == "" {
		ref.Name = name
	}
	if ref.Size == 0 {
		ref.Size = int64(len(data))
	}
	if ref.Type == "" {
		ref.Type = contentType
	}
	c.log.Info("uploaded file", zap.String("room", roomID), zap.String("name", ref.Name), zap.Int64("size", ref.Size))
	return ref, nil
}

var _ domain.BlobUploader = (*Client)(nil)
