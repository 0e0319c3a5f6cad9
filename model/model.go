package model

import (
	"context"
	"errors"
	"fmt"
	"image"
	iofs "io/fs"
	"maps"
	"slices"

	"github.com/pdevine/tensor"

	"github.com/ollama/mmproc/fs"
	"github.com/ollama/mmproc/fs/hf"
	"github.com/ollama/mmproc/model/imageproc"
	"github.com/ollama/mmproc/model/input"
)

var ErrUnknownArchitecture = errors.New("unsupported model architecture")

// Features is the joint output of a MultimodalProcessor.
type Features struct {
	// InputIDs has shape [1, N] and holds the tokenized prompt, including any
	// image placeholder tokens the processor inserted.
	InputIDs tensor.Tensor
	// AttentionMask has the same shape as InputIDs.
	AttentionMask tensor.Tensor
	// PixelValues has shape [B, C, H, W], one row per image.
	PixelValues tensor.Tensor
}

// MultimodalProcessor turns prompt text and decoded images into model inputs.
// Implementations must be safe for concurrent use.
type MultimodalProcessor interface {
	Preprocess(ctx context.Context, text string, images []image.Image) (*Features, error)
}

// ImageLoader resolves an image reference into a decoded image.
type ImageLoader interface {
	Load(context.Context, input.ImageRef) (image.Image, imageproc.Metadata, error)
}

// Model implements a specific model architecture's tokenizer and preprocessor.
type Model interface {
	TextProcessor
	MultimodalProcessor
}

var models = make(map[string]func(fs.Config) (Model, error))

// Register registers a model constructor for the given architecture
func Register(name string, f func(fs.Config) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// Architectures lists the registered architectures in sorted order.
func Architectures() []string {
	return slices.Sorted(maps.Keys(models))
}

// New builds the model registered for c's architecture.
func New(c fs.Config) (Model, error) {
	arch := c.Architecture()
	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownArchitecture, arch)
	}

	return f(c)
}

// NewFromFS builds a model from a HuggingFace style model directory.
func NewFromFS(fsys iofs.FS) (Model, fs.Config, error) {
	kv, err := hf.Decode(fsys)
	if err != nil {
		return nil, nil, err
	}

	m, err := New(kv)
	if err != nil {
		return nil, nil, err
	}

	return m, kv, nil
}
