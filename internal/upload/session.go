// Package upload implements the server side of the resumable chunked upload
// protocol: sessions, chunk persistence, assembly and abandonment sweeping.
package upload

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrInvalidMetadata   = errors.New("invalid upload metadata")
	ErrDuplicateSession  = errors.New("upload session already exists")
	ErrUnknownSession    = errors.New("unknown upload session")
	ErrIndexOutOfRange   = errors.New("chunk index out of range")
	ErrSizeMismatch      = errors.New("chunk size mismatch")
	ErrIncomplete        = errors.New("upload incomplete")
	ErrSizeIntegrity     = errors.New("assembled size does not match declared size")
	ErrAlreadyFinalized  = errors.New("upload already finalized")
	errInvalidIdentifier = fmt.Errorf("%w: file id may contain only letters, digits, '-' and '_'", ErrInvalidMetadata)
)

// MaxChunkSize bounds the chunk size a client may negotiate; chunks are held
// in memory while they are validated.
const MaxChunkSize = 64 << 20

// SupportedExtensions lists the accepted source containers.
var SupportedExtensions = []string{".mp4", ".avi", ".mov", ".mkv", ".flv", ".wmv", ".webm"}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Metadata is the client's description of an upload.
type Metadata struct {
	FileID      string
	Filename    string
	TotalSize   int64
	ChunkSize   int64
	TotalChunks int
	MimeType    string
	Title       string
	Description string
}

// Session is the server's record of one in-flight upload. Received holds
// the accepted chunk indices in ascending order without duplicates.
type Session struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	TotalSize   int64     `json:"totalSize"`
	ChunkSize   int64     `json:"chunkSize"`
	TotalChunks int       `json:"totalChunks"`
	MimeType    string    `json:"mimeType,omitempty"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Received    []int     `json:"received"`
	Finalized   bool      `json:"finalized"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Complete reports whether every chunk has been received.
func (s Session) Complete() bool {
	return len(s.Received) == s.TotalChunks
}

// HasChunk reports whether index has been received.
func (s Session) HasChunk(index int) bool {
	_, found := slices.BinarySearch(s.Received, index)
	return found
}

// ExpectedChunkSize is the byte length chunk index must have.
func (s Session) ExpectedChunkSize(index int) int64 {
	if index == s.TotalChunks-1 {
		return s.TotalSize - s.ChunkSize*int64(s.TotalChunks-1)
	}
	return s.ChunkSize
}

func (s Session) clone() Session {
	out := s
	out.Received = slices.Clone(s.Received)
	return out
}

func withReceived(received []int, index int) []int {
	pos, found := slices.BinarySearch(received, index)
	if found {
		return received
	}
	return slices.Insert(received, pos, index)
}

// ChunkCount returns ceil(totalSize/chunkSize).
func ChunkCount(totalSize, chunkSize int64) int {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((totalSize + chunkSize - 1) / chunkSize)
}

// ValidateFile checks the properties shared by chunked and single-shot
// uploads: a supported container, a video MIME type and a size within bounds.
func ValidateFile(filename, mimeType string, size, maxSize int64) error {
	name := strings.TrimSpace(filename)
	if name == "" {
		return fmt.Errorf("%w: filename is required", ErrInvalidMetadata)
	}
	ext := strings.ToLower(path.Ext(name))
	if !slices.Contains(SupportedExtensions, ext) {
		return fmt.Errorf("%w: unsupported file type %q", ErrInvalidMetadata, ext)
	}
	if mt := strings.TrimSpace(mimeType); !genericMimeType(mt) && !strings.HasPrefix(strings.ToLower(mt), "video/") {
		return fmt.Errorf("%w: mime type %q is not a video type", ErrInvalidMetadata, mt)
	}
	if size <= 0 {
		return fmt.Errorf("%w: total size must be positive", ErrInvalidMetadata)
	}
	if maxSize > 0 && size > maxSize {
		return fmt.Errorf("%w: file exceeds the %d byte limit", ErrInvalidMetadata, maxSize)
	}
	return nil
}

// genericMimeType reports a type that says nothing about the content, as
// browsers send for containers they do not recognise. The extension decides.
func genericMimeType(mimeType string) bool {
	if mimeType == "" {
		return true
	}
	base, _, _ := strings.Cut(strings.ToLower(mimeType), ";")
	return strings.TrimSpace(base) == "application/octet-stream"
}

func validateMetadata(md Metadata, maxSize int64) error {
	if err := ValidateFile(md.Filename, md.MimeType, md.TotalSize, maxSize); err != nil {
		return err
	}
	if md.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalidMetadata)
	}
	if md.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: chunk size exceeds %d bytes", ErrInvalidMetadata, MaxChunkSize)
	}
	want := ChunkCount(md.TotalSize, md.ChunkSize)
	if md.TotalChunks < 0 || (md.TotalChunks != 0 && md.TotalChunks != want) {
		return fmt.Errorf("%w: total chunks %d, expected %d", ErrInvalidMetadata, md.TotalChunks, want)
	}
	if md.FileID != "" && !identifierPattern.MatchString(md.FileID) {
		return errInvalidIdentifier
	}
	return nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeFilename folds a user-supplied filename into a key-safe form: accents
// are stripped, path components dropped and anything outside [A-Za-z0-9._-]
// replaced with '_'.
func SafeFilename(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	name = path.Base(name)
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), name)
	if err == nil {
		name = folded
	}
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" || name == "/" {
		return "source"
	}
	ext := path.Ext(name)
	if len(ext) > 16 {
		ext = ""
	}
	if len(name) > 200 {
		name = name[:200-len(ext)] + ext
	}
	return name
}
