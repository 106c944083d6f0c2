package agent

import (
	"bytes"
	"context"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/kith/internal/bus"
	"github.com/nextlevelbuilder/kith/internal/compose"
)

const (
	// maxInlineImageBytes is the largest payload shipped to the model as-is.
	// Bigger images are re-encoded down before inlining.
	maxInlineImageBytes = 5 << 20

	// maxImageDim is the longest edge vision endpoints resolve usefully;
	// anything larger is downscaled before the base64 cost is paid.
	maxImageDim = 1568
)

// imageParts loads the image attachments of a batch message into inline
// parts. Oversized or overlong images are normalized; anything that fails
// to load or decode is skipped with a log line, never an error — a missing
// photo should not kill a reply.
func imageParts(ctx context.Context, atts []bus.Attachment) []compose.ImagePart {
	var parts []compose.ImagePart
	for _, att := range atts {
		if att.Kind != "image" {
			continue
		}
		data, err := attachmentBytes(ctx, att)
		if err != nil {
			slog.Warn("vision: attachment unreadable", "id", att.ID, "error", err)
			continue
		}
		if len(data) == 0 {
			continue
		}

		mime := att.Mime
		if mime == "" {
			mime = inferImageMime(att.Path)
		}

		data, mime = normalizeImage(data, mime)
		if data == nil {
			continue
		}
		parts = append(parts, compose.ImagePart{Mime: mime, Data: data})
	}
	return parts
}

func attachmentBytes(ctx context.Context, att bus.Attachment) ([]byte, error) {
	if att.Path != "" {
		return os.ReadFile(att.Path)
	}
	if att.Fetch != nil {
		return att.Fetch(ctx)
	}
	return nil, nil
}

// normalizeImage downscales anything over maxImageDim on the long edge
// and re-encodes as JPEG when the original is oversized or untyped.
// Returns nil when the bytes do not decode as an image.
func normalizeImage(data []byte, mime string) ([]byte, string) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		slog.Debug("vision: undecodable image skipped", "bytes", len(data))
		return nil, ""
	}

	b := img.Bounds()
	needsResize := b.Dx() > maxImageDim || b.Dy() > maxImageDim
	if !needsResize && len(data) <= maxInlineImageBytes && mime != "" {
		return data, mime
	}
	if needsResize {
		img = imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
	}
	return reencode(img, len(data))
}

func reencode(img image.Image, originalLen int) ([]byte, string) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		slog.Debug("vision: re-encode failed", "error", err)
		return nil, ""
	}
	if buf.Len() > maxInlineImageBytes {
		slog.Debug("vision: image too large after re-encode", "bytes", buf.Len())
		return nil, ""
	}
	slog.Debug("vision: normalized image", "from_bytes", originalLen, "to_bytes", buf.Len())
	return buf.Bytes(), "image/jpeg"
}

func inferImageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
