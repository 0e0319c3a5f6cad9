package input

import (
	"encoding/base64"
	"fmt"

	"github.com/pdevine/tensor"
)

// Prompt is the text half of a multimodal request. It holds either a
// plain string or a sequence of token ids that was produced by the
// paired tokenizer and has to be decoded before processing.
type Prompt struct {
	text      string
	ids       []int32
	tokenized bool
}

// FromText returns a prompt holding a plain string.
func FromText(s string) Prompt {
	return Prompt{text: s}
}

// FromTokenIDs returns a prompt holding already tokenized input.
func FromTokenIDs(ids []int32) Prompt {
	return Prompt{ids: ids, tokenized: true}
}

func (p Prompt) IsTokenized() bool {
	return p.tokenized
}

func (p Prompt) Text() string {
	return p.text
}

func (p Prompt) TokenIDs() []int32 {
	return p.ids
}

func (p Prompt) String() string {
	if p.tokenized {
		return fmt.Sprint(p.ids)
	}

	return p.text
}

type RefKind uint8

const (
	RefURI RefKind = iota + 1
	RefBytes
)

// ImageRef is a reference to a single image. It is either a string (a
// path, a file:// or http(s):// URL, a data: URI or bare base64) or the
// raw encoded image bytes.
type ImageRef struct {
	Kind RefKind
	URI  string
	Data []byte
}

func FromURI(s string) ImageRef {
	return ImageRef{Kind: RefURI, URI: s}
}

func FromBytes(b []byte) ImageRef {
	return ImageRef{Kind: RefBytes, Data: b}
}

// String returns the normalized string form of the reference. Byte
// references are rendered as standard base64.
func (r ImageRef) String() string {
	if r.Kind == RefBytes {
		return base64.StdEncoding.EncodeToString(r.Data)
	}

	return r.URI
}

type Modality int

const (
	Image Modality = iota
	MultiImages
	Video
	Audio
)

func (m Modality) String() string {
	switch m {
	case Image:
		return "IMAGE"
	case MultiImages:
		return "MULTI_IMAGES"
	case Video:
		return "VIDEO"
	case Audio:
		return "AUDIO"
	default:
		return fmt.Sprintf("Modality(%d)", int(m))
	}
}

// MultimodalItem is a non-text element of the input, tagged with its
// modality, that travels through the pipeline next to the text tokens.
type MultimodalItem struct {
	Modality Modality

	// Feature holds the processed data for the item, for images the
	// pixel values with shape [images, channels, height, width].
	Feature tensor.Tensor
}

// Processed is the record handed to the batch scheduler for a single
// request. It is built fresh for every call and owned by the caller.
type Processed struct {
	// InputIDs is the first row of the processor's token tensor.
	InputIDs []int32

	// AttentionMask is the first row of the processor's attention mask.
	AttentionMask []int32

	PixelValues tensor.Tensor

	// DataHashes has a single element that identifies the image data of
	// the request, in the order the references were given. It is used by
	// callers as a cache key.
	DataHashes []uint64

	MMItems []MultimodalItem
}
