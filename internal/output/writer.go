package output

import (
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"timeslice-go/internal/types"
)

func Timestamp() string {
	return time.Now().Format("20060102_150405")
}

// ImageFormat picks an encoder from a file extension.
func ImageFormat(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "png", nil
	case ".bmp":
		return "bmp", nil
	case ".tif", ".tiff":
		return "tiff", nil
	default:
		return "", fmt.Errorf("%w: unsupported image extension %q", types.ErrInvalidParameters, filepath.Ext(path))
	}
}

func EncodeImage(w io.Writer, img image.Image, format string) error {
	switch format {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		return enc.Encode(w, img)
	case "bmp":
		return bmp.Encode(w, img)
	case "tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unsupported image format %q", format)
	}
}

// WritePreview encodes r to path, format chosen by extension.
func WritePreview(path string, r *types.Raster) error {
	format, err := ImageFormat(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := EncodeImage(f, r.Image(), format); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

// WriteMetadata writes value as indented JSON next to an output artifact.
func WriteMetadata(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(NormalizeJSONValue(value), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// MetadataPath derives "<output>.json" for an artifact path.
func MetadataPath(artifact string) string {
	return strings.TrimSuffix(artifact, string(os.PathSeparator)) + ".json"
}

// NormalizeJSONValue turns CBOR-decoded values (map[any]any, byte strings)
// into something encoding/json accepts.
func NormalizeJSONValue(value any) any {
	switch v := value.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[fmt.Sprint(k)] = NormalizeJSONValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = NormalizeJSONValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = NormalizeJSONValue(item)
		}
		return out
	case []byte:
		if len(v) > 64 {
			return fmt.Sprintf("<%d bytes>", len(v))
		}
		return v
	default:
		return v
	}
}
