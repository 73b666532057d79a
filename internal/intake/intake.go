package intake

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrNotImage is returned when the uploaded bytes are not an image.
	ErrNotImage = errors.New("not an image")
	// ErrInvalidDataURI is returned for strings that are not base64 image data URIs.
	ErrInvalidDataURI = errors.New("invalid image data format")
	// ErrEmpty is returned for zero-length uploads.
	ErrEmpty = errors.New("empty image")
)

// Image is an uploaded source image held in memory.
type Image struct {
	MIMEType string
	Data     []byte
}

// FromReader reads a whole file. The declared content type is trusted when it
// names an image; otherwise the type is sniffed from the bytes.
func FromReader(r io.Reader, declaredType string) (Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Image{}, fmt.Errorf("read image: %w", err)
	}
	return FromBytes(data, declaredType)
}

// FromBytes wraps raw bytes as an Image.
func FromBytes(data []byte, declaredType string) (Image, error) {
	if len(data) == 0 {
		return Image{}, ErrEmpty
	}

	mimeType := strings.ToLower(strings.TrimSpace(declaredType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
		if i := strings.IndexByte(mimeType, ';'); i >= 0 {
			mimeType = mimeType[:i]
		}
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return Image{}, fmt.Errorf("%w: detected %s", ErrNotImage, mimeType)
	}

	return Image{MIMEType: mimeType, Data: data}, nil
}

// IsZero reports whether no image has been loaded.
func (img Image) IsZero() bool {
	return len(img.Data) == 0
}

// Base64 returns the raw base64 payload without the data URI prefix.
func (img Image) Base64() string {
	return base64.StdEncoding.EncodeToString(img.Data)
}

// DataURI returns "data:<mime>;base64,<payload>".
func (img Image) DataURI() string {
	return DataURI(img.MIMEType, img.Base64())
}

// DataURI joins a MIME type and a base64 payload.
func DataURI(mimeType, payload string) string {
	return "data:" + mimeType + ";base64," + payload
}

// ParseDataURI splits a base64 image data URI back into an Image.
func ParseDataURI(s string) (Image, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return Image{}, ErrInvalidDataURI
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Image{}, ErrInvalidDataURI
	}
	mimeType, ok := strings.CutSuffix(header, ";base64")
	if !ok || !strings.HasPrefix(mimeType, "image/") || len(mimeType) == len("image/") {
		return Image{}, ErrInvalidDataURI
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
	}
	if len(data) == 0 {
		return Image{}, ErrEmpty
	}
	return Image{MIMEType: mimeType, Data: data}, nil
}
