package domain

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/oklog/ulid/v2"
)

// SignatureStore persists drawn signature images.
type SignatureStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, string, error)
}

type Signature struct {
	ContentType string
	Data        []byte
}

var signatureExtensions = map[string]string{
	"image/png":     "png",
	"image/jpeg":    "jpg",
	"image/webp":    "webp",
	"image/svg+xml": "svg",
}

// ParseSignatureDataURL decodes a base64 data URL and checks its type
// against allowed and its decoded size against maxBytes.
func ParseSignatureDataURL(dataURL string, allowed []string, maxBytes int64) (*Signature, error) {
	dataURL = strings.TrimSpace(dataURL)
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return nil, ErrSignatureInvalid
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, ErrSignatureInvalid
	}
	contentType, encoding, ok := strings.Cut(header, ";")
	if !ok || !strings.EqualFold(encoding, "base64") {
		return nil, ErrSignatureInvalid
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if !typeAllowed(contentType, allowed) {
		return nil, ErrSignatureType
	}

	// base64 inflates by 4/3; reject before decoding anything oversized.
	if maxBytes > 0 && int64(base64.StdEncoding.DecodedLen(len(payload))) > maxBytes+2 {
		return nil, ErrSignatureTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, ErrSignatureInvalid
		}
	}
	if len(data) == 0 {
		return nil, ErrSignatureInvalid
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, ErrSignatureTooLarge
	}

	switch contentType {
	case "image/svg+xml":
		if !bytes.Contains(bytes.ToLower(data[:min(len(data), 512)]), []byte("<svg")) {
			return nil, ErrSignatureInvalid
		}
	default:
		if sniffed := http.DetectContentType(data); sniffed != contentType {
			return nil, ErrSignatureInvalid
		}
	}

	return &Signature{ContentType: contentType, Data: data}, nil
}

// Extension maps the content type to a file extension.
func (s Signature) Extension() string {
	if ext, ok := signatureExtensions[s.ContentType]; ok {
		return ext
	}
	return "bin"
}

// SignatureObjectKey builds signatures/<company>/<contract>/<signer>-<ulid>.<ext>.
func SignatureObjectKey(companyID, contractID snowflake.ID, signerName, ext string, now time.Time) string {
	name := slug.Make(signerName)
	if name == "" {
		name = "signer"
	}
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy())
	return fmt.Sprintf("signatures/%s/%s/%s-%s.%s", companyID, contractID, name, strings.ToLower(id.String()), ext)
}

func typeAllowed(contentType string, allowed []string) bool {
	if _, known := signatureExtensions[contentType]; !known {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), contentType) {
			return true
		}
	}
	return false
}
