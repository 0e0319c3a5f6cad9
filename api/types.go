package api

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int    `json:"-" cbor:"-"`
	Status       string `json:"-" cbor:"-"`
	ErrorMessage string `json:"error" cbor:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the mmproc server logs for details"
	}
}

// ImageData is raw encoded image bytes. It is base64 encoded in JSON.
type ImageData []byte

// ProcessRequest describes a request sent by [Client.Process].
type ProcessRequest struct {
	// Model is the model directory; empty selects the server's model.
	Model string `json:"model,omitempty" cbor:"model,omitempty"`

	// Prompt is the text prompt. It is ignored when Tokens is set.
	Prompt string `json:"prompt,omitempty" cbor:"prompt,omitempty"`

	// Tokens is an already tokenized prompt which is decoded before processing.
	Tokens []int32 `json:"tokens,omitempty" cbor:"tokens,omitempty"`

	// Images are image references: paths, file:// or http(s):// URLs,
	// data: URIs or bare base64.
	Images []string `json:"images,omitempty" cbor:"images,omitempty"`

	// ImageData are encoded images sent inline. They follow Images in order.
	ImageData []ImageData `json:"image_data,omitempty" cbor:"image_data,omitempty"`

	// DType selects the encoding of the pixel tensor: f32 (default), f16 or bf16.
	DType string `json:"dtype,omitempty" cbor:"dtype,omitempty"`
}

// ProcessResponse is the processed record returned by [Client.Process].
type ProcessResponse struct {
	InputIDs      []int32 `json:"input_ids" cbor:"input_ids"`
	AttentionMask []int32 `json:"attention_mask,omitempty" cbor:"attention_mask,omitempty"`
	PixelValues   Tensor  `json:"pixel_values" cbor:"pixel_values"`
	// DataHashes hashes the request's images in the order they were
	// processed: every entry of Images, then every entry of ImageData.
	DataHashes []uint64 `json:"data_hashes" cbor:"data_hashes"`
	MMItems    []Item   `json:"mm_items" cbor:"mm_items"`
}

// Item is a multimodal item. Its feature refers to the pixel values of the
// enclosing response.
type Item struct {
	Modality string `json:"modality" cbor:"modality"`
	Feature  string `json:"feature" cbor:"feature"`
}

type TokenizeRequest struct {
	Model string `json:"model,omitempty" cbor:"model,omitempty"`
	Text  string `json:"text" cbor:"text"`

	// AddSpecial adds the model's BOS/EOS tokens.
	AddSpecial bool `json:"add_special,omitempty" cbor:"add_special,omitempty"`
}

type TokenizeResponse struct {
	Tokens []int32 `json:"tokens" cbor:"tokens"`
}

type DetokenizeRequest struct {
	Model  string  `json:"model,omitempty" cbor:"model,omitempty"`
	Tokens []int32 `json:"tokens" cbor:"tokens"`
}

type DetokenizeResponse struct {
	Text string `json:"text" cbor:"text"`
}

type ShowResponse struct {
	Architecture string         `json:"architecture" cbor:"architecture"`
	ModelInfo    map[string]any `json:"model_info" cbor:"model_info"`
}

const (
	DTypeF32  = "f32"
	DTypeF16  = "f16"
	DTypeBF16 = "bf16"
)

var ErrUnknownDType = errors.New("unknown dtype")

// Tensor is a dense tensor on the wire. Data holds the elements as little
// endian f32, f16 or bf16 values.
type Tensor struct {
	Shape []int  `json:"shape" cbor:"shape"`
	DType string `json:"dtype" cbor:"dtype"`
	Data  []byte `json:"data" cbor:"data"`
}

// NewTensor encodes values with the given dtype. An empty dtype means f32.
func NewTensor(shape []int, values []float32, dtype string) (Tensor, error) {
	t := Tensor{Shape: shape, DType: dtype}
	switch dtype {
	case "", DTypeF32:
		t.DType = DTypeF32
		t.Data = make([]byte, 4*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint32(t.Data[4*i:], math.Float32bits(v))
		}
	case DTypeF16:
		t.Data = make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(t.Data[2*i:], float16.Fromfloat32(v).Bits())
		}
	case DTypeBF16:
		t.Data = bfloat16.EncodeFloat32(values)
	default:
		return Tensor{}, fmt.Errorf("%w %q", ErrUnknownDType, dtype)
	}

	return t, nil
}

// Float32s decodes the tensor's elements.
func (t Tensor) Float32s() ([]float32, error) {
	switch t.DType {
	case DTypeF32:
		if len(t.Data)%4 != 0 {
			return nil, fmt.Errorf("f32 data length %d is not a multiple of 4", len(t.Data))
		}

		values := make([]float32, len(t.Data)/4)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
		}

		return values, nil
	case DTypeF16:
		if len(t.Data)%2 != 0 {
			return nil, fmt.Errorf("f16 data has odd length %d", len(t.Data))
		}

		values := make([]float32, len(t.Data)/2)
		for i := range values {
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[2*i:])).Float32()
		}

		return values, nil
	case DTypeBF16:
		if len(t.Data)%2 != 0 {
			return nil, fmt.Errorf("bf16 data has odd length %d", len(t.Data))
		}

		return bfloat16.DecodeFloat32(t.Data), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownDType, t.DType)
	}
}

// Elements is the number of elements described by the tensor's shape.
func (t Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}

	return n
}

// String summarizes the tensor without its data.
func (t Tensor) String() string {
	return fmt.Sprintf("%s%v", t.DType, t.Shape)
}
