package model

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/cespare/xxhash/v2"
	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/mmproc/logutil"
	"github.com/ollama/mmproc/model/input"
)

var (
	ErrNoImages      = errors.New("at least one image is required")
	ErrInvalidPrompt = errors.New("invalid prompt")
)

const defaultMaxConcurrentLoads = 4

// Adapter converts image references and a prompt into the record consumed
// by the batch scheduler. It holds no per-request state and may be shared.
type Adapter struct {
	model  Model
	loader ImageLoader

	contentHash bool
	maxLoads    int
}

type AdapterOption func(*Adapter)

// WithContentHash hashes the loaded image bytes instead of the references.
func WithContentHash(enabled bool) AdapterOption {
	return func(a *Adapter) {
		a.contentHash = enabled
	}
}

// WithMaxConcurrentLoads caps the number of images loaded at once.
func WithMaxConcurrentLoads(n int) AdapterOption {
	return func(a *Adapter) {
		if n > 0 {
			a.maxLoads = n
		}
	}
}

func NewAdapter(m Model, l ImageLoader, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		model:    m,
		loader:   l,
		maxLoads: defaultMaxConcurrentLoads,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

func (a *Adapter) Model() Model {
	return a.model
}

// ProcessMultimodalData decodes the prompt if it is tokenized, loads every
// image in order and runs the model's joint processor. The returned record
// carries one image item whose feature is the pixel tensor and a single hash
// over the image references.
func (a *Adapter) ProcessMultimodalData(ctx context.Context, images []input.ImageRef, prompt input.Prompt) (*input.Processed, error) {
	if len(images) == 0 {
		return nil, ErrNoImages
	}

	text := prompt.Text()
	if prompt.IsTokenized() {
		ids := prompt.TokenIDs()
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: empty token id list", ErrInvalidPrompt)
		}

		var err error
		text, err = a.model.Decode(ids)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPrompt, err)
		}

		logutil.TraceContext(ctx, "decoded prompt", "ids", len(ids), "text", text)
	}

	imgs := make([]image.Image, len(images))
	var raws [][]byte
	if a.contentHash {
		raws = make([][]byte, len(images))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.maxLoads)
	for i, ref := range images {
		g.Go(func() error {
			img, meta, err := a.loader.Load(gctx, ref)
			if err != nil {
				return err
			}

			imgs[i] = img
			if raws != nil {
				raws[i] = meta.Raw
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	features, err := a.model.Preprocess(ctx, text, imgs)
	if err != nil {
		return nil, err
	}

	if features == nil || features.PixelValues == nil {
		return nil, errors.New("processor returned no pixel values")
	}

	ids, err := firstRow(features.InputIDs)
	if err != nil {
		return nil, fmt.Errorf("input ids: %w", err)
	}

	var mask []int32
	if features.AttentionMask != nil {
		if mask, err = firstRow(features.AttentionMask); err != nil {
			return nil, fmt.Errorf("attention mask: %w", err)
		}
	}

	hash := HashReferences(images)
	if a.contentHash {
		hash = HashContent(raws)
	}

	slog.Debug("processed multimodal data", "images", len(images), "tokens", len(ids), "pixels", features.PixelValues.Shape(), "hash", hash)
	return &input.Processed{
		InputIDs:      ids,
		AttentionMask: mask,
		PixelValues:   features.PixelValues,
		DataHashes:    []uint64{hash},
		MMItems: []input.MultimodalItem{
			{Modality: input.Image, Feature: features.PixelValues},
		},
	}, nil
}

// firstRow flattens row 0 of a [1, N] int32 tensor.
func firstRow(t tensor.Tensor) ([]int32, error) {
	if t == nil {
		return nil, errors.New("missing tensor")
	}

	shape := t.Shape()
	if len(shape) != 2 || shape[0] < 1 {
		return nil, fmt.Errorf("expected a [1, N] tensor, got %v", shape)
	}

	row := make([]int32, shape[1])
	for j := range row {
		v, err := t.At(0, j)
		if err != nil {
			return nil, err
		}

		id, ok := v.(int32)
		if !ok {
			return nil, fmt.Errorf("expected int32 elements, got %T", v)
		}

		row[j] = id
	}

	return row, nil
}

// HashReferences returns a stable hash of an ordered list of image
// references. Each reference is written as its kind, its length and its
// payload so that element boundaries and order are significant.
func HashReferences(refs []input.ImageRef) uint64 {
	d := xxhash.New()
	var buf [binary.MaxVarintLen64 + 1]byte
	for _, ref := range refs {
		kind, payload := input.RefURI, []byte(ref.URI)
		if ref.Kind == input.RefBytes {
			kind, payload = input.RefBytes, ref.Data
		}

		buf[0] = byte(kind)
		n := binary.PutUvarint(buf[1:], uint64(len(payload)))
		d.Write(buf[:n+1])
		d.Write(payload)
	}

	return d.Sum64()
}

// HashContent hashes the loaded image bytes, in order, with the same length
// framing as HashReferences.
func HashContent(raws [][]byte) uint64 {
	d := xxhash.New()
	var buf [binary.MaxVarintLen64]byte
	for _, raw := range raws {
		n := binary.PutUvarint(buf[:], uint64(len(raw)))
		d.Write(buf[:n])
		d.Write(raw)
	}

	return d.Sum64()
}
