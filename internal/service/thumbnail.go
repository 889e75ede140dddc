package service

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
)

// DeriveThumbnail renders a width-bounded preview of the payload, preserving
// aspect ratio and never upscaling. The output format follows the decoded
// format; anything else re-encodes as PNG.
func DeriveThumbnail(payload []byte, width int) ([]byte, string, error) {
	img, format, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}

	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}

	outputFormat, contentType := thumbnailFormat(format)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return nil, "", fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), contentType, nil
}

func thumbnailFormat(decodeFormat string) (imaging.Format, string) {
	switch decodeFormat {
	case "jpeg":
		return imaging.JPEG, "image/jpeg"
	case "gif":
		return imaging.GIF, "image/gif"
	default:
		return imaging.PNG, "image/png"
	}
}
