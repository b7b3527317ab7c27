// Package imageio provides the image codec the pipeline depends on:
// decoding aerial source imagery, encoding tiles for transport to the
// detector, and saving annotated output.
package imageio

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Codec decodes and encodes imagery for the pipeline. Implementations
// must be safe for concurrent use.
type Codec interface {
	Load(path string) (image.Image, error)
	LoadFromReader(reader io.Reader) (image.Image, error)
	Save(img image.Image, path string) error
	EncodeTile(img image.Image) ([]byte, error)
}

// FileCodec is the default Codec, backed by the registered standard and
// extended decoders (JPEG, PNG, TIFF, WebP).
type FileCodec struct {
	// JPEGQuality applies to jpeg and webp output, 1-100.
	JPEGQuality int
	// TileFormat is the wire format for tiles sent to the detector,
	// "jpg" or "png".
	TileFormat string
}

// New creates a FileCodec with default settings
func New() *FileCodec {
	return &FileCodec{
		JPEGQuality: 90,
		TileFormat:  "jpg",
	}
}

// NewWithOptions creates a FileCodec with the given output quality and
// tile wire format
func NewWithOptions(jpegQuality int, tileFormat string) *FileCodec {
	return &FileCodec{
		JPEGQuality: jpegQuality,
		TileFormat:  tileFormat,
	}
}

// Load loads an image from file
func (c *FileCodec) Load(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}
	defer file.Close()

	return c.LoadFromReader(file)
}

// LoadFromReader loads an image from an io.Reader
func (c *FileCodec) LoadFromReader(reader io.Reader) (image.Image, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Save saves an image to file, choosing the encoder from the extension
func (c *FileCodec) Save(img image.Image, path string) error {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))

	switch ext {
	case "jpg", "jpeg":
		return imaging.Save(img, path, imaging.JPEGQuality(c.JPEGQuality))
	case "png":
		return imaging.Save(img, path)
	case "tif", "tiff":
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer file.Close()
		return tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate})
	case "webp":
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer file.Close()
		opts := &webp.Options{Quality: float32(c.JPEGQuality)}
		return webp.Encode(file, img, opts)
	default:
		return fmt.Errorf("unsupported output format: %s", ext)
	}
}

// EncodeTile encodes a tile in the configured wire format
func (c *FileCodec) EncodeTile(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	switch c.TileFormat {
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("failed to encode tile: %w", err)
		}
	case "jpg", "jpeg", "":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.JPEGQuality}); err != nil {
			return nil, fmt.Errorf("failed to encode tile: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported tile format: %s", c.TileFormat)
	}
	return buf.Bytes(), nil
}

// ContentType returns the MIME type matching the tile wire format
func (c *FileCodec) ContentType() string {
	if c.TileFormat == "png" {
		return "image/png"
	}
	return "image/jpeg"
}
