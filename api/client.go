// Package api implements the client-side API for code wishing to interact
// with the mmproc service.
//
// The mmproc command-line client itself uses this package to interact with
// the backend service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/ollama/mmproc/envconfig"
	"github.com/ollama/mmproc/version"
)

const (
	MediaTypeJSON = "application/json"
	MediaTypeCBOR = "application/cbor"
)

// Client encapsulates client state for interacting with the mmproc
// service. Use [ClientFromEnvironment] to create new Clients.
type Client struct {
	base *url.URL
	http *http.Client
	cbor bool
}

func checkError(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	apiError := StatusError{StatusCode: resp.StatusCode, Status: resp.Status}

	var err error
	if strings.HasPrefix(resp.Header.Get("Content-Type"), MediaTypeCBOR) {
		err = cbor.Unmarshal(body, &apiError)
	} else {
		err = json.Unmarshal(body, &apiError)
	}

	if err != nil {
		// Use the full body as the message if we fail to decode a response.
		apiError.ErrorMessage = string(body)
	}

	return apiError
}

// ClientFromEnvironment creates a new [Client] using the MMPROC_HOST value
// last read by [envconfig.LoadConfig], which points to the network host and
// port on which the mmproc service is listening.
func ClientFromEnvironment() (*Client, error) {
	base, err := envconfig.ServerURL()
	if err != nil {
		return nil, err
	}

	return NewClient(base, http.DefaultClient), nil
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{
		base: base,
		http: http,
	}
}

// WithCBOR returns a copy of c that asks the server for CBOR responses.
func (c *Client) WithCBOR() *Client {
	cc := *c
	cc.cbor = true
	return &cc
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	var reqBody io.Reader
	if reqData != nil {
		data, err := json.Marshal(reqData)
		if err != nil {
			return err
		}

		reqBody = bytes.NewReader(data)
	}

	requestURL := c.base.JoinPath(path)
	request, err := http.NewRequestWithContext(ctx, method, requestURL.String(), reqBody)
	if err != nil {
		return err
	}

	accept := MediaTypeJSON
	if c.cbor {
		accept = MediaTypeCBOR
	}

	request.Header.Set("Content-Type", MediaTypeJSON)
	request.Header.Set("Accept", accept)
	request.Header.Set("User-Agent", fmt.Sprintf("mmproc/%s (%s %s) Go/%s", version.Version, runtime.GOARCH, runtime.GOOS, runtime.Version()))

	respObj, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer respObj.Body.Close()

	respBody, err := io.ReadAll(respObj.Body)
	if err != nil {
		return err
	}

	if err := checkError(respObj, respBody); err != nil {
		return err
	}

	if len(respBody) > 0 && respData != nil {
		if strings.HasPrefix(respObj.Header.Get("Content-Type"), MediaTypeCBOR) {
			return cbor.Unmarshal(respBody, respData)
		}

		return json.Unmarshal(respBody, respData)
	}

	return nil
}

// Process loads the request's images and returns the processed record.
func (c *Client) Process(ctx context.Context, req *ProcessRequest) (*ProcessResponse, error) {
	var resp ProcessResponse
	if err := c.do(ctx, http.MethodPost, "/api/process", req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Tokenize encodes text with the model's tokenizer.
func (c *Client) Tokenize(ctx context.Context, req *TokenizeRequest) (*TokenizeResponse, error) {
	var resp TokenizeResponse
	if err := c.do(ctx, http.MethodPost, "/api/tokenize", req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Detokenize decodes token ids with the model's tokenizer.
func (c *Client) Detokenize(ctx context.Context, req *DetokenizeRequest) (*DetokenizeResponse, error) {
	var resp DetokenizeResponse
	if err := c.do(ctx, http.MethodPost, "/api/detokenize", req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Show returns the architecture and configuration of the served model.
func (c *Client) Show(ctx context.Context) (*ShowResponse, error) {
	var resp ShowResponse
	if err := c.do(ctx, http.MethodGet, "/api/show", nil, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Heartbeat checks if the server has started and is responsive; if yes, it
// returns nil, otherwise an error.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodHead, "/", nil, nil)
}
