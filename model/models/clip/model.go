package clip

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/pdevine/tensor"

	"github.com/ollama/mmproc/fs"
	"github.com/ollama/mmproc/model"
)

const defaultPretokenizer = `<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|[\p{N}]|[^\s\p{L}\p{N}]+`

type Model struct {
	model.BytePairEncoding
	*ImageProcessor

	contextLength int
}

var _ model.Model = (*Model)(nil)

func New(c fs.Config) (model.Model, error) {
	vocab := &model.Vocabulary{
		Values:          c.Strings("tokenizer.tokens"),
		Types:           c.Ints("tokenizer.token_type"),
		Merges:          c.Strings("tokenizer.merges"),
		BOS:             []int32{int32(c.Uint("tokenizer.bos_token_id", 49406))},
		EOS:             []int32{int32(c.Uint("tokenizer.eos_token_id", 49407))},
		PAD:             []int32{int32(c.Uint("tokenizer.padding_token_id", 49407))},
		AddBOS:          c.Bool("tokenizer.add_bos_token", true),
		AddEOS:          c.Bool("tokenizer.add_eos_token", true),
		EndOfWordSuffix: c.String("tokenizer.end_of_word_suffix", "</w>"),
		Lowercase:       c.Bool("tokenizer.lowercase", true),
	}

	if len(vocab.Values) == 0 {
		return nil, errors.New("clip: missing tokenizer vocabulary")
	}

	for _, id := range [][]int32{vocab.BOS, vocab.EOS, vocab.PAD} {
		if int(id[0]) >= len(vocab.Values) {
			return nil, fmt.Errorf("clip: special token id %d outside vocabulary of %d", id[0], len(vocab.Values))
		}
	}

	bpe, err := model.NewBytePairEncoding(vocab, c.Strings("tokenizer.pretokenizers", []string{defaultPretokenizer})...)
	if err != nil {
		return nil, fmt.Errorf("clip: %w", err)
	}

	imageProcessor, err := newImageProcessor(c)
	if err != nil {
		return nil, fmt.Errorf("clip: %w", err)
	}

	return &Model{
		BytePairEncoding: bpe,
		ImageProcessor:   imageProcessor,
		contextLength:    int(c.Uint("text.context_length", 77)),
	}, nil
}

// Preprocess tokenizes text with special tokens and converts every image to
// normalized channel first pixel values. Prompts longer than the context
// length are passed through untruncated.
func (m *Model) Preprocess(ctx context.Context, text string, images []image.Image) (*model.Features, error) {
	if len(images) == 0 {
		return nil, errors.New("clip: no images to process")
	}

	ids, err := m.Encode(text, true)
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, errors.New("clip: prompt produced no tokens")
	}

	if m.contextLength > 0 && len(ids) > m.contextLength {
		slog.Warn("prompt exceeds context length", "tokens", len(ids), "context_length", m.contextLength)
	}

	mask := make([]int32, len(ids))
	for i := range mask {
		mask[i] = 1
	}

	var size image.Point
	var pixels []float32
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		vals, s := m.ProcessImage(img)
		if i == 0 {
			size = s
			pixels = make([]float32, 0, len(images)*len(vals))
		} else if s != size {
			return nil, fmt.Errorf("clip: image %d processed to %v, expected %v", i, s, size)
		}

		pixels = append(pixels, vals...)
	}

	return &model.Features{
		InputIDs:      tensor.New(tensor.WithShape(1, len(ids)), tensor.WithBacking(ids)),
		AttentionMask: tensor.New(tensor.WithShape(1, len(mask)), tensor.WithBacking(mask)),
		PixelValues:   tensor.New(tensor.WithShape(len(images), 3, size.Y, size.X), tensor.WithBacking(pixels)),
	}, nil
}

func init() {
	model.Register("clip", New)
}
