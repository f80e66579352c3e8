// Package attachment turns data URIs into content-addressed blobs.
//
// Images other than GIF are decoded and re-encoded as PNG so that every
// stored still image has one canonical format. GIFs are only validated, which
// keeps animations intact. Everything else is stored as sent.
package attachment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image"
	"image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-ledger/internal/errdefs"
	"github.com/chirino/chat-ledger/internal/model"
	registryblob "github.com/chirino/chat-ledger/internal/registry/blob"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	scheme        = "data:"
	base64Marker  = ";base64"
	defaultMime   = "text/plain"
	canonicalMime = "image/png"
)

// Store parses attachment URIs and persists their payloads.
type Store struct {
	blobs   registryblob.BlobStore
	maxSize int64
	logger  *log.Logger
}

// Options tunes a Store. A zero MaxSize disables the size limit.
type Options struct {
	MaxSize int64
	Logger  *log.Logger
}

// New returns a Store writing through blobs.
func New(blobs registryblob.BlobStore, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Store{blobs: blobs, maxSize: opts.MaxSize, logger: logger}
}

// BlobID derives the storage key of a raw data URI. The whole URI is hashed,
// so the same payload sent with a different header yields a different id.
func BlobID(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return hex.EncodeToString(sum[:])
}

// Parse validates uri, normalizes its payload and stores it. The returned
// attachment is not yet bound to a message.
func (s *Store) Parse(ctx context.Context, uri string) (*model.Attachment, error) {
	mimeType, payload, err := decodeURI(uri)
	if err != nil {
		return nil, err
	}
	if s.maxSize > 0 && int64(len(payload)) > s.maxSize {
		return nil, &errdefs.InvalidAttachmentError{
			Reason: fmt.Sprintf("payload of %d bytes exceeds the %d byte limit", len(payload), s.maxSize),
		}
	}

	mimeType, payload, err = normalize(mimeType, payload)
	if err != nil {
		return nil, err
	}

	id := BlobID(uri)
	written, err := s.blobs.Put(ctx, id, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to store attachment %s: %w", id, err)
	}
	if written {
		s.logger.Debug("Stored attachment", "blob", id, "mime", mimeType, "size", len(payload))
	}
	return &model.Attachment{
		MimeType: mimeType,
		BlobID:   id,
		BasePath: s.blobs.BasePath(),
		Size:     int64(len(payload)),
	}, nil
}

// ParseAll parses every uri in order and stops at the first failure.
func (s *Store) ParseAll(ctx context.Context, uris []string) ([]model.Attachment, error) {
	if len(uris) == 0 {
		return nil, nil
	}
	out := make([]model.Attachment, 0, len(uris))
	for i, uri := range uris {
		a, err := s.Parse(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("attachment %d: %w", i, err)
		}
		out = append(out, *a)
	}
	return out, nil
}

// Read returns the stored bytes for blobID. A missing blob reads as empty.
func (s *Store) Read(ctx context.Context, blobID string) ([]byte, error) {
	data, err := s.blobs.Get(ctx, blobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment %s: %w", blobID, err)
	}
	if data == nil {
		s.logger.Debug("Attachment not found", "blob", blobID)
		return []byte{}, nil
	}
	return data, nil
}

func decodeURI(uri string) (string, []byte, error) {
	if !strings.HasPrefix(uri, scheme) {
		return "", nil, &errdefs.InvalidAttachmentError{Reason: "uri must start with " + scheme}
	}
	header, encoded, ok := strings.Cut(uri[len(scheme):], ",")
	if !ok || !strings.HasSuffix(header, base64Marker) {
		return "", nil, &errdefs.InvalidAttachmentError{Reason: "uri must carry a base64 payload"}
	}
	mimeType := header
	if i := strings.IndexByte(header, ';'); i >= 0 {
		mimeType = header[:i]
	}
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		mimeType = defaultMime
	}
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, &errdefs.InvalidAttachmentError{Reason: "payload is not valid base64", Err: err}
	}
	return mimeType, payload, nil
}

func normalize(mimeType string, payload []byte) (string, []byte, error) {
	lower := strings.ToLower(mimeType)
	primary, sub, _ := strings.Cut(lower, "/")
	if primary != "image" {
		return mimeType, payload, nil
	}
	if sub == "gif" {
		if _, err := gif.DecodeAll(bytes.NewReader(payload)); err != nil {
			return "", nil, &errdefs.InvalidAttachmentError{Reason: "gif payload cannot be decoded", Err: err}
		}
		return mimeType, payload, nil
	}
	img, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return "", nil, &errdefs.InvalidAttachmentError{Reason: mimeType + " payload cannot be decoded", Err: err}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", nil, &errdefs.InvalidAttachmentError{Reason: "image cannot be re-encoded", Err: err}
	}
	return canonicalMime, buf.Bytes(), nil
}
