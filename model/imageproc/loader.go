package imageproc

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/ollama/mmproc/format"
	"github.com/ollama/mmproc/model/input"
)

var (
	ErrImageTooLarge    = errors.New("image too large")
	ErrUnsupportedImage = errors.New("unsupported image format")
)

const (
	DefaultTimeout = 3 * time.Second
	DefaultMaxSize = 20 * format.MebiByte
)

// Metadata describes where a loaded image came from.
type Metadata struct {
	// Source is "bytes", "url", "file", "data" or "base64"
	Source string
	// Format is the decoder name reported by image.Decode
	Format string
	Size   image.Point
	Bytes  int
	Raw    []byte
}

// Loader resolves image references to decoded images.
type Loader struct {
	Client  *http.Client
	MaxSize int64
	Timeout time.Duration
}

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".webp", ".gif", ".bmp", ".tif", ".tiff"}

func (l *Loader) maxSize() int64 {
	if l.MaxSize > 0 {
		return l.MaxSize
	}

	return DefaultMaxSize
}

// Load reads the encoded bytes behind ref and decodes them.
func (l *Loader) Load(ctx context.Context, ref input.ImageRef) (image.Image, Metadata, error) {
	source, raw, err := l.read(ctx, ref)
	if err != nil {
		return nil, Metadata{}, err
	}

	if int64(len(raw)) > l.maxSize() {
		return nil, Metadata{}, fmt.Errorf("%w: %s exceeds %s", ErrImageTooLarge, format.HumanBytes(int64(len(raw))), format.HumanBytes(l.maxSize()))
	}

	img, name, err := image.Decode(bytes.NewReader(raw))
	if errors.Is(err, image.ErrFormat) {
		return nil, Metadata{}, fmt.Errorf("%w: %s", ErrUnsupportedImage, truncate(ref.String(), 64))
	} else if err != nil {
		return nil, Metadata{}, fmt.Errorf("decode %s image: %w", source, err)
	}

	meta := Metadata{
		Source: source,
		Format: name,
		Size:   img.Bounds().Size(),
		Bytes:  len(raw),
		Raw:    raw,
	}

	slog.Debug("loaded image", "source", source, "format", name, "size", meta.Size, "bytes", format.HumanBytes(int64(len(raw))))
	return img, meta, nil
}

func (l *Loader) read(ctx context.Context, ref input.ImageRef) (string, []byte, error) {
	if ref.Kind == input.RefBytes {
		return "bytes", ref.Data, nil
	}

	uri := ref.URI
	switch {
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		bts, err := l.fetch(ctx, uri)
		return "url", bts, err
	case strings.HasPrefix(uri, "file://"):
		bts, err := l.readFile(strings.TrimPrefix(uri, "file://"))
		return "file", bts, err
	case hasImageExtension(uri):
		bts, err := l.readFile(uri)
		return "file", bts, err
	case strings.HasPrefix(uri, "data:"):
		_, data, ok := strings.Cut(uri, ",")
		if !ok {
			return "", nil, fmt.Errorf("%w: malformed data uri", ErrUnsupportedImage)
		}

		bts, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return "", nil, fmt.Errorf("%w: decode data uri: %w", ErrUnsupportedImage, err)
		}

		return "data", bts, nil
	default:
		bts, err := base64.StdEncoding.DecodeString(uri)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %q is not a path, url or base64 payload", ErrUnsupportedImage, truncate(uri, 64))
		}

		return "base64", bts, nil
	}
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, error) {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image %s: %s", url, resp.Status)
	}

	if resp.ContentLength > l.maxSize() {
		return nil, fmt.Errorf("%w: %s exceeds %s", ErrImageTooLarge, format.HumanBytes(resp.ContentLength), format.HumanBytes(l.maxSize()))
	}

	return readLimited(resp.Body, l.maxSize())
}

func (l *Loader) readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return readLimited(f, l.maxSize())
}

// readLimited reads at most limit+1 bytes so oversized payloads are detected
// without buffering them whole.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	bts, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}

	if int64(len(bts)) > limit {
		return nil, fmt.Errorf("%w: exceeds %s", ErrImageTooLarge, format.HumanBytes(limit))
	}

	return bts, nil
}

func hasImageExtension(s string) bool {
	return slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(s)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
