package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/mmproc/envconfig"
)

func TestClientFromEnvironment(t *testing.T) {
	testCases := map[string]struct {
		value  string
		expect string
	}{
		"empty":                      {value: "", expect: "http://127.0.0.1:11500"},
		"only address":               {value: "1.2.3.4", expect: "http://1.2.3.4:11500"},
		"only port":                  {value: ":1234", expect: "http://:1234"},
		"scheme https and address":   {value: "https://1.2.3.4", expect: "https://1.2.3.4:443"},
		"scheme, hostname, and port": {value: "https://example.com:1234", expect: "https://example.com:1234"},
		"trailing slash":             {value: "example.com/", expect: "http://example.com:11500"},
	}

	for k, v := range testCases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("MMPROC_HOST", v.value)
			envconfig.LoadConfig()
			t.Cleanup(envconfig.LoadConfig)

			client, err := ClientFromEnvironment()
			require.NoError(t, err)
			assert.Equal(t, v.expect, client.base.String())
		})
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	base, err := url.Parse(ts.URL)
	require.NoError(t, err)

	return NewClient(base, ts.Client())
}

func TestClientProcess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/process", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, MediaTypeJSON, r.Header.Get("Accept"))
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "mmproc/"))

		var req ProcessRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"http://example/cat.png"}, req.Images)
		assert.Equal(t, []ImageData{[]byte("raw")}, req.ImageData)

		w.Header().Set("Content-Type", MediaTypeJSON)
		json.NewEncoder(w).Encode(ProcessResponse{
			InputIDs:    []int32{1, 2, 3},
			PixelValues: Tensor{Shape: []int{1, 1}, DType: DTypeF32, Data: []byte{0, 0, 0, 0x3f}},
			DataHashes:  []uint64{42},
			MMItems:     []Item{{Modality: "IMAGE", Feature: "pixel_values"}},
		})
	})

	resp, err := client.Process(t.Context(), &ProcessRequest{
		Prompt:    "describe <image>",
		Images:    []string{"http://example/cat.png"},
		ImageData: []ImageData{[]byte("raw")},
	})
	require.NoError(t, err)

	assert.Equal(t, []int32{1, 2, 3}, resp.InputIDs)
	assert.Equal(t, []uint64{42}, resp.DataHashes)
	values, err := resp.PixelValues.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5}, values)
	assert.Equal(t, "IMAGE", resp.MMItems[0].Modality)
}

func TestClientCBOR(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, MediaTypeCBOR, r.Header.Get("Accept"))

		bts, err := cbor.Marshal(TokenizeResponse{Tokens: []int32{7, 8}})
		require.NoError(t, err)

		w.Header().Set("Content-Type", MediaTypeCBOR)
		w.Write(bts)
	})

	resp, err := client.WithCBOR().Tokenize(t.Context(), &TokenizeRequest{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []int32{7, 8}, resp.Tokens)

	assert.False(t, client.cbor, "WithCBOR should not modify the original client")
}

func TestClientError(t *testing.T) {
	testCases := map[string]struct {
		status      int
		contentType string
		body        []byte
		expect      string
	}{
		"json": {
			status:      http.StatusBadRequest,
			contentType: MediaTypeJSON,
			body:        []byte(`{"error":"at least one image is required"}`),
			expect:      "at least one image is required",
		},
		"cbor": {
			status:      http.StatusInternalServerError,
			contentType: MediaTypeCBOR,
			body: func() []byte {
				bts, _ := cbor.Marshal(map[string]string{"error": "boom"})
				return bts
			}(),
			expect: "boom",
		},
		"plain text": {
			status:      http.StatusBadGateway,
			contentType: "text/plain",
			body:        []byte("upstream unavailable"),
			expect:      "upstream unavailable",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tc.contentType)
				w.WriteHeader(tc.status)
				w.Write(tc.body)
			})

			_, err := client.Detokenize(t.Context(), &DetokenizeRequest{Tokens: []int32{1}})

			var statusErr StatusError
			require.True(t, errors.As(err, &statusErr), "expected StatusError, got %v", err)
			assert.Equal(t, tc.status, statusErr.StatusCode)
			assert.Equal(t, tc.expect, statusErr.ErrorMessage)
		})
	}
}

func TestClientHeartbeat(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "/", r.URL.Path)
	})

	require.NoError(t, client.Heartbeat(t.Context()))
}

func TestClientCBORProcess(t *testing.T) {
	values := make([]float32, 3*224*224)
	for i := range values {
		values[i] = float32(i%255) / 255
	}

	pixels, err := NewTensor([]int{1, 3, 224, 224}, values, DTypeF32)
	require.NoError(t, err)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		bts, err := cbor.Marshal(ProcessResponse{
			InputIDs:    []int32{1, 2},
			PixelValues: pixels,
			DataHashes:  []uint64{42},
			MMItems:     []Item{{Modality: "IMAGE", Feature: "pixel_values"}},
		})
		require.NoError(t, err)

		w.Header().Set("Content-Type", MediaTypeCBOR)
		w.Write(bts)
	})

	resp, err := client.WithCBOR().Process(t.Context(), &ProcessRequest{Prompt: "a", Images: []string{"cat.png"}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 224, 224}, resp.PixelValues.Shape)

	got, err := resp.PixelValues.Float32s()
	require.NoError(t, err)
	assert.Equal(t, values, got)
}
