package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/GolfredoPerezFernandez/remix-daioff/internal/store"
	"github.com/google/uuid"
)

// DefaultMaxUploadBytes is the size ceiling for a single uploaded file.
const DefaultMaxUploadBytes = 10 << 20

// ErrUploadFailed marks a document that could not be written locally or sent to the file API.
var ErrUploadFailed = errors.New("document upload failed")

// Extensions accepted by the assistants file API.
var allowedExtensions = map[string]bool{
	"c": true, "cpp": true, "css": true, "csv": true, "doc": true, "docx": true, "gif": true,
	"html": true, "java": true, "jpeg": true, "jpg": true, "js": true, "json": true, "md": true,
	"pdf": true, "php": true, "png": true, "pptx": true, "py": true, "rb": true, "tar": true,
	"tex": true, "ts": true, "txt": true, "webp": true, "xlsx": true, "xml": true, "zip": true,
}

var imageMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// Upload is a file attached to the current chat turn.
type Upload struct {
	Name      string
	MediaType string
	Size      int64
	Body      io.Reader
}

func (u *Upload) extension() string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(u.Name), "."))
}

// mediaType prefers the extension over the client supplied header.
func (u *Upload) mediaType() string {
	if mt := mime.TypeByExtension("." + u.extension()); mt != "" {
		base, _, _ := strings.Cut(mt, ";")
		return base
	}
	base, _, _ := strings.Cut(u.MediaType, ";")
	return strings.TrimSpace(strings.ToLower(base))
}

// IsImage reports whether the upload goes into the message as a vision content block.
func (u *Upload) IsImage() bool {
	return imageMediaTypes[u.mediaType()]
}

// AttachmentSet is what accompanies one message: document attachments and at most one image.
type AttachmentSet struct {
	Attachments    []Attachment
	ImageFileID    string
	UploadedFileID string
	// Documents lists the pre-registered handles used, for instruction rendering.
	Documents *DocumentHandles
}

type DocumentHandles struct {
	Payroll   string
	LaborLife string
	Contract  string
}

type DocumentRegistry struct {
	api       AssistantAPI
	uploadDir string
	maxBytes  int64
	metrics   *Metrics
}

func NewDocumentRegistry(api AssistantAPI, uploadDir string, maxBytes int64, metrics *Metrics) *DocumentRegistry {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if uploadDir == "" {
		uploadDir = os.TempDir()
	}
	return &DocumentRegistry{api: api, uploadDir: uploadDir, maxBytes: maxBytes, metrics: metrics}
}

// Validate rejects unsupported or oversized files without touching the file API.
func (r *DocumentRegistry) Validate(u *Upload) error {
	if u == nil {
		return nil
	}
	if u.Name == "" || u.Body == nil {
		r.metrics.uploadRejected("missing")
		return &ValidationError{Field: "file", Reason: "missing file name or content"}
	}
	if !allowedExtensions[u.extension()] {
		r.metrics.uploadRejected("type")
		return &ValidationError{Field: "file", Reason: fmt.Sprintf("unsupported file type %q", u.extension())}
	}
	if u.Size > r.maxBytes {
		r.metrics.uploadRejected("size")
		return &ValidationError{Field: "file", Reason: fmt.Sprintf("file exceeds %d bytes", r.maxBytes)}
	}
	return nil
}

// ResolveAttachments decides which documents accompany the message. Users who prefer
// their registered documents and have all three handles get them attached for file
// search; a new upload is added as an attachment, or as an image block for images.
func (r *DocumentRegistry) ResolveAttachments(ctx context.Context, user *store.User, u *Upload) (*AttachmentSet, error) {
	if err := r.Validate(u); err != nil {
		return nil, err
	}

	set := &AttachmentSet{}
	if user.PreferUpload && user.HasAllDocuments() {
		docs := &DocumentHandles{
			Payroll:   *user.PayrollFile,
			LaborLife: *user.LaborLifeFile,
			Contract:  *user.ContractFile,
		}
		set.Documents = docs
		for _, id := range []string{docs.Payroll, docs.LaborLife, docs.Contract} {
			set.Attachments = append(set.Attachments, Attachment{FileID: id, Tools: []string{ToolFileSearch}})
		}
	}

	if u == nil {
		return set, nil
	}

	if u.IsImage() {
		fileID, err := r.Upload(ctx, u, PurposeVision)
		if err != nil {
			return nil, err
		}
		set.ImageFileID = fileID
		set.UploadedFileID = fileID
		return set, nil
	}

	fileID, err := r.Upload(ctx, u, PurposeAssistants)
	if err != nil {
		return nil, err
	}
	set.UploadedFileID = fileID
	set.Attachments = append(set.Attachments, Attachment{FileID: fileID, Tools: []string{ToolFileSearch}})
	return set, nil
}

// Upload copies the file to a temporary location, sends it to the file API and removes
// the local copy whatever the outcome.
func (r *DocumentRegistry) Upload(ctx context.Context, u *Upload, purpose string) (string, error) {
	if err := r.Validate(u); err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.uploadDir, 0o700); err != nil {
		return "", upstream("prepare upload dir", fmt.Errorf("%w: %w", ErrUploadFailed, err))
	}

	path := filepath.Join(r.uploadDir, uuid.NewString()+"-"+safeFileName(u.Name))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", upstream("create temp file", fmt.Errorf("%w: %w", ErrUploadFailed, err))
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to remove temporary upload", "path", path, "error", err)
		}
	}()

	written, err := io.Copy(f, io.LimitReader(u.Body, r.maxBytes+1))
	closeErr := f.Close()
	if err != nil {
		return "", upstream("write temp file", fmt.Errorf("%w: %w", ErrUploadFailed, err))
	}
	if closeErr != nil {
		return "", upstream("write temp file", fmt.Errorf("%w: %w", ErrUploadFailed, closeErr))
	}
	if written > r.maxBytes {
		r.metrics.uploadRejected("size")
		return "", &ValidationError{Field: "file", Reason: fmt.Sprintf("file exceeds %d bytes", r.maxBytes)}
	}

	fileID, err := r.api.UploadFile(ctx, FileUpload{Path: path, Name: u.Name, Purpose: purpose})
	if err != nil {
		return "", upstream("upload file", fmt.Errorf("%w: %w", ErrUploadFailed, err))
	}
	if fileID == "" {
		return "", upstream("upload file", fmt.Errorf("%w: empty file id", ErrUploadFailed))
	}

	slog.Info("Uploaded document", "file_id", fileID, "name", u.Name, "bytes", written, "purpose", purpose)
	return fileID, nil
}

func safeFileName(name string) string {
	base := filepath.Base(name)
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, base)
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return "upload"
	}
	return cleaned
}
