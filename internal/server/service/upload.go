package service

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/crypto/blake2b"

	"drop/internal/server/database"
	"drop/internal/server/ident"
	"drop/internal/server/media"
	"drop/internal/server/metrics"
	"drop/internal/server/storage"
)

// Sentinel errors for the service layer.
var (
	ErrNoFileProvided    = errors.New("no file provided")
	ErrPayloadTooLarge   = errors.New("file exceeds maximum allowed size")
	ErrStorageConflict   = errors.New("no free identifier after retries")
	ErrStorageIO         = errors.New("storage failure")
	ErrNotFound          = errors.New("file not found")
	ErrUploadInterrupted = errors.New("upload interrupted")
	ErrLedgerDisabled    = errors.New("upload ledger not configured")
)

// sniffLen is how much of the payload is inspected before anything is
// written. It matches mimetype's default read limit.
const sniffLen = 3072

const ledgerTimeout = 5 * time.Second

// Column widths of the ledger's original_name and mime_type.
const (
	maxFilenameLen = 255
	maxMimeTypeLen = 255
)

// Ledger records stored uploads. It is optional and never consulted when
// resolving objects.
type Ledger interface {
	Record(ctx context.Context, upload *database.Upload) error
	FindByDigest(ctx context.Context, digest string) (*database.Upload, error)
	GetStats(ctx context.Context) (*database.Stats, error)
}

// Options tunes the upload service.
type Options struct {
	MaxFileSize int64
	// MaxAttempts bounds identifier allocation when keys collide.
	MaxAttempts int
	// StrictClassPrefix rejects lookups whose URL prefix does not match the
	// class derived from the key's extension.
	StrictClassPrefix bool
}

// UploadRequest is one incoming file.
type UploadRequest struct {
	Filename     string
	DeclaredType string
	Body         io.Reader
	// BaseURL is scheme://host used to build the public URL.
	BaseURL string
}

// UploadResult is returned after a successful upload.
type UploadResult struct {
	Success      bool   `json:"success"`
	URL          string `json:"url"`
	Type         string `json:"type"`
	OriginalName string `json:"originalName"`
	ID           string `json:"id"`
	Size         int64  `json:"size"`
}

// Download is a resolved object ready to stream. Callers must Close it.
type Download struct {
	*storage.Object
	Key         string
	ContentType string
	Class       media.Class
}

// UploadService contains the business logic for intake and retrieval.
type UploadService struct {
	store   storage.Backend
	alloc   *ident.Allocator
	ledger  Ledger
	metrics *metrics.Metrics
	opts    Options
}

// NewUploadService creates a new upload service. ledger may be nil.
func NewUploadService(store storage.Backend, alloc *ident.Allocator, ledger Ledger, m *metrics.Metrics, opts Options) *UploadService {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &UploadService{
		store:   store,
		alloc:   alloc,
		ledger:  ledger,
		metrics: m,
		opts:    opts,
	}
}

// MaxFileSize reports the configured upload limit in bytes.
func (s *UploadService) MaxFileSize() int64 {
	return s.opts.MaxFileSize
}

// Store validates an incoming stream, allocates an identifier, and persists
// the stream under {id}{ext}. The URL is only returned once the object is
// durably written.
func (s *UploadService) Store(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	ext := media.Extension(req.Filename)
	class := media.Classify(ext)

	if req.Body == nil {
		s.countUpload(class, metrics.ResultNoFile)
		return nil, ErrNoFileProvided
	}

	// Received -> Validated
	limited := &limitReader{r: req.Body, max: s.opts.MaxFileSize}
	buffered := bufio.NewReaderSize(limited, sniffLen)
	head, err := buffered.Peek(sniffLen)
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		s.countUpload(class, metrics.ResultTooLarge)
		return nil, ErrPayloadTooLarge
	case len(head) == 0 && (err == nil || errors.Is(err, io.EOF)):
		s.countUpload(class, metrics.ResultNoFile)
		return nil, ErrNoFileProvided
	case len(head) == 0:
		s.countUpload(class, metrics.ResultCancelled)
		return nil, fmt.Errorf("%w: %v", ErrUploadInterrupted, err)
	}

	mimeType := resolveMimeType(req.DeclaredType, head)

	hasher, _ := blake2b.New256(nil)
	body := &countingReader{r: io.TeeReader(buffered, hasher)}

	// Validated -> Stored
	id, key, size, err := s.persist(ctx, ext, body, limited)
	if err != nil {
		s.countUpload(class, resultFor(err))
		return nil, err
	}

	s.countUpload(class, metrics.ResultOK)
	if s.metrics != nil {
		s.metrics.UploadBytes.WithLabelValues(class.String()).Add(float64(size))
	}

	name := sanitizeFilename(req.Filename)
	digest := hex.EncodeToString(hasher.Sum(nil))
	s.record(ctx, &database.Upload{
		ID:           id,
		StorageKey:   key,
		Extension:    ext,
		MediaClass:   class.String(),
		OriginalName: name,
		MimeType:     mimeType,
		Size:         size,
		Digest:       digest,
		UploadedAt:   time.Now().UTC(),
	})

	slog.Info("upload stored",
		"id", id,
		"key", key,
		"class", class.String(),
		"size", size,
		"mime_type", mimeType,
		"digest", digest,
	)

	// Stored -> Responded
	return &UploadResult{
		Success:      true,
		URL:          PublicURL(req.BaseURL, key),
		Type:         mimeType,
		OriginalName: name,
		ID:           id,
		Size:         size,
	}, nil
}

// persist allocates identifiers until CreateExclusive finds a free key.
// Reallocation is only safe while the body is untouched; once bytes have
// been consumed a conflict is terminal.
func (s *UploadService) persist(ctx context.Context, ext string, body *countingReader, limited *limitReader) (string, string, int64, error) {
	var lastID string
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		id, err := s.alloc.Allocate()
		if err != nil {
			return "", "", 0, fmt.Errorf("failed to allocate identifier: %w", err)
		}
		lastID = id
		key := id + ext

		n, err := s.store.CreateExclusive(ctx, key, body)
		switch {
		case err == nil:
			return id, key, n, nil

		case limited.exceeded || errors.Is(err, ErrPayloadTooLarge):
			return "", "", 0, ErrPayloadTooLarge

		case errors.Is(err, storage.ErrExists) && body.n == 0:
			if s.metrics != nil {
				s.metrics.AllocatorRetries.Inc()
			}
			slog.Warn("identifier collision, reallocating", "key", key, "attempt", attempt)
			continue

		case errors.Is(err, storage.ErrExists):
			slog.Error("identifier collision after write began",
				"id", id,
				"extension", ext,
				"size", body.n,
			)
			return "", "", 0, ErrStorageConflict

		case body.err != nil || ctx.Err() != nil:
			slog.Warn("upload aborted by client", "id", id, "size", body.n, "error", err)
			return "", "", 0, fmt.Errorf("%w: %v", ErrUploadInterrupted, err)

		default:
			slog.Error("failed to store upload",
				"id", id,
				"extension", ext,
				"size", body.n,
				"error", err,
			)
			return "", "", 0, fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
	}

	slog.Error("identifier allocation exhausted",
		"id", lastID,
		"extension", ext,
		"size", body.n,
		"attempts", s.opts.MaxAttempts,
		"id_length", s.alloc.Length(),
	)
	return "", "", 0, ErrStorageConflict
}

// record writes the ledger entry. The object is already durable, so ledger
// failures are logged and otherwise ignored.
func (s *UploadService) record(ctx context.Context, upload *database.Upload) {
	if s.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()

	if existing, err := s.ledger.FindByDigest(ctx, upload.Digest); err != nil {
		slog.Warn("duplicate lookup failed", "id", upload.ID, "error", err)
	} else if existing != nil {
		slog.Info("duplicate content detected",
			"new_upload", upload.ID,
			"existing_upload", existing.ID,
			"digest", upload.Digest,
		)
	}

	if err := s.ledger.Record(ctx, upload); err != nil {
		slog.Error("failed to record upload", "id", upload.ID, "key", upload.StorageKey, "error", err)
	}
}

// Resolve locates the object named by key. Unless StrictClassPrefix is set,
// the URL prefix only has to be one of i, v or f.
func (s *UploadService) Resolve(ctx context.Context, prefix, key string) (*Download, error) {
	class, ok := media.ParsePrefix(prefix)
	if !ok || !media.ValidKey(key) {
		s.countRetrieval(prefix, metrics.ResultNotFound)
		return nil, ErrNotFound
	}

	_, ext := media.SplitKey(key)
	if s.opts.StrictClassPrefix && media.Classify(ext) != class {
		s.countRetrieval(prefix, metrics.ResultNotFound)
		return nil, ErrNotFound
	}

	obj, err := s.store.Open(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			slog.Debug("object not found", "key", key, "prefix", prefix)
			s.countRetrieval(prefix, metrics.ResultNotFound)
			return nil, ErrNotFound
		}
		slog.Error("failed to open object", "key", key, "error", err)
		s.countRetrieval(prefix, metrics.ResultIOError)
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}

	s.countRetrieval(prefix, metrics.ResultOK)
	return &Download{
		Object:      obj,
		Key:         key,
		ContentType: media.ContentType(ext),
		Class:       media.Classify(ext),
	}, nil
}

// GetStats returns ledger aggregates.
func (s *UploadService) GetStats(ctx context.Context) (*database.Stats, error) {
	if s.ledger == nil {
		return nil, ErrLedgerDisabled
	}
	return s.ledger.GetStats(ctx)
}

// Ping checks the storage backend.
func (s *UploadService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PublicURL builds the shareable URL for a storage key.
func PublicURL(baseURL, key string) string {
	_, ext := media.SplitKey(key)
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(baseURL, "/"), media.Classify(ext).Prefix(), key)
}

func (s *UploadService) countUpload(class media.Class, result string) {
	if s.metrics != nil {
		s.metrics.Uploads.WithLabelValues(class.String(), result).Inc()
	}
}

func (s *UploadService) countRetrieval(prefix, result string) {
	if s.metrics == nil {
		return
	}
	if _, ok := media.ParsePrefix(prefix); !ok {
		prefix = "other"
	}
	s.metrics.Retrievals.WithLabelValues(prefix, result).Inc()
}

func resultFor(err error) string {
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		return metrics.ResultTooLarge
	case errors.Is(err, ErrStorageConflict):
		return metrics.ResultConflict
	case errors.Is(err, ErrUploadInterrupted):
		return metrics.ResultCancelled
	default:
		return metrics.ResultIOError
	}
}

// --- Helpers ---

// limitReader fails with ErrPayloadTooLarge as soon as more than max bytes
// have been read, so an oversized upload is abandoned mid-stream.
type limitReader struct {
	r        io.Reader
	max      int64
	read     int64
	exceeded bool
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, ErrPayloadTooLarge
	}
	// read at most one byte past the limit to detect overflow
	remaining := l.max - l.read
	if remaining < 0 {
		remaining = 0
	}
	if remaining < int64(len(p))-1 {
		p = p[:remaining+1]
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.read > l.max {
		l.exceeded = true
		return 0, ErrPayloadTooLarge
	}
	return n, err
}

// countingReader tracks how many bytes a backend has consumed and remembers
// the first non-EOF error from the client stream.
type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil && err != io.EOF && !errors.Is(err, ErrPayloadTooLarge) && c.err == nil {
		c.err = err
	}
	return n, err
}

// resolveMimeType trusts the client's declared type unless it is missing or
// generic, in which case the type is sniffed from the payload head.
// Declared types that are oversized or malformed are ignored.
func resolveMimeType(declared string, head []byte) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != media.DefaultContentType && len(declared) <= maxMimeTypeLen {
		if _, _, err := mime.ParseMediaType(declared); err == nil {
			return declared
		}
	}
	return mimetype.Detect(head).String()
}

// sanitizeFilename strips directory components and limits length without
// splitting a multi-byte character.
func sanitizeFilename(name string) string {
	name = strings.ToValidUTF8(name, "\uFFFD")

	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")

	// Take only the base name
	name = filepath.Base(name)

	// Limit length
	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) > 32 {
			ext = ""
		}
		cut := maxFilenameLen - len(ext)
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut] + ext
	}

	if name == "" || name == "." || name == "/" {
		name = "upload"
	}

	return name
}
