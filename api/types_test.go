package api

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestTensorEncoding(t *testing.T) {
	values := []float32{0, 1, -2.5, 0.1, 65504}

	cases := []struct {
		dtype  string
		bytes  int
		approx float32
	}{
		{dtype: "", bytes: 20, approx: 0},
		{dtype: DTypeF32, bytes: 20, approx: 0},
		{dtype: DTypeF16, bytes: 10, approx: 1e-3},
		{dtype: DTypeBF16, bytes: 10, approx: 1e-2},
	}

	for _, tt := range cases {
		t.Run(tt.dtype, func(t *testing.T) {
			tensor, err := NewTensor([]int{1, 5}, values, tt.dtype)
			if err != nil {
				t.Fatal(err)
			}

			if len(tensor.Data) != tt.bytes {
				t.Errorf("data is %d bytes, want %d", len(tensor.Data), tt.bytes)
			}

			if tensor.Elements() != len(values) {
				t.Errorf("Elements() = %d", tensor.Elements())
			}

			got, err := tensor.Float32s()
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(values, got, cmpopts.EquateApprox(float64(tt.approx), 0)); diff != "" {
				t.Errorf("values mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTensorErrors(t *testing.T) {
	if _, err := NewTensor([]int{1}, []float32{1}, "f64"); !errors.Is(err, ErrUnknownDType) {
		t.Errorf("expected ErrUnknownDType, got %v", err)
	}

	if _, err := (Tensor{DType: DTypeF16, Data: []byte{1, 2, 3}}).Float32s(); err == nil {
		t.Error("expected error for odd length f16 data")
	}

	if _, err := (Tensor{DType: DTypeF32, Data: []byte{1, 2, 3}}).Float32s(); err == nil {
		t.Error("expected error for truncated f32 data")
	}

	if _, err := (Tensor{DType: "i8"}).Float32s(); !errors.Is(err, ErrUnknownDType) {
		t.Errorf("expected ErrUnknownDType, got %v", err)
	}
}

func TestStatusError(t *testing.T) {
	cases := map[string]struct {
		err    StatusError
		expect string
	}{
		"status and message": {err: StatusError{Status: "400 Bad Request", ErrorMessage: "no images"}, expect: "400 Bad Request: no images"},
		"status":             {err: StatusError{Status: "500 Internal Server Error"}, expect: "500 Internal Server Error"},
		"message":            {err: StatusError{ErrorMessage: "no images"}, expect: "no images"},
		"empty":              {expect: "something went wrong, please see the mmproc server logs for details"},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expect {
				t.Errorf("Error() = %q, want %q", got, tt.expect)
			}
		})
	}
}
