package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ollama/mmproc/api"
	"github.com/ollama/mmproc/envconfig"
	"github.com/ollama/mmproc/format"
	"github.com/ollama/mmproc/fs"
	"github.com/ollama/mmproc/logutil"
	"github.com/ollama/mmproc/model"
	"github.com/ollama/mmproc/model/imageproc"
	"github.com/ollama/mmproc/model/input"
	_ "github.com/ollama/mmproc/model/models"
	"github.com/ollama/mmproc/version"
)

var (
	errModelNotFound = errors.New("model not found")
	errMissingText   = errors.New("missing `text` for tokenization")
)

type Server struct {
	addr    net.Addr
	name    string
	config  fs.Config
	adapter *model.Adapter
}

// New wraps an adapter for the model described by config. name is the
// model directory the server answers to.
func New(name string, config fs.Config, adapter *model.Adapter) *Server {
	return &Server{name: name, config: config, adapter: adapter}
}

func (s *Server) checkModel(name string) error {
	if name == "" || name == s.name || name == filepath.Base(s.name) {
		return nil
	}

	return fmt.Errorf("%w: %q", errModelNotFound, name)
}

// bind decodes the request body as CBOR when the client sent CBOR and as
// JSON otherwise.
func bind(c *gin.Context, v any) error {
	if c.ContentType() == api.MediaTypeCBOR {
		bts, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return err
		}

		if len(bts) == 0 {
			return io.EOF
		}

		return cbor.Unmarshal(bts, v)
	}

	return c.ShouldBindJSON(v)
}

// respond writes v as CBOR when the client accepts it and as JSON otherwise.
func respond(c *gin.Context, status int, v any) {
	if c.NegotiateFormat(gin.MIMEJSON, api.MediaTypeCBOR) == api.MediaTypeCBOR {
		bts, err := cbor.Marshal(v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.Data(status, api.MediaTypeCBOR, bts)
		return
	}

	c.JSON(status, v)
}

func abort(c *gin.Context, status int, err error) {
	slog.Debug("request failed", "request_id", c.GetString("request_id"), "status", status, "error", err)
	respond(c, status, api.StatusError{ErrorMessage: err.Error()})
	c.Abort()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNoImages),
		errors.Is(err, model.ErrInvalidPrompt),
		errors.Is(err, model.ErrInvalidTokenID),
		errors.Is(err, imageproc.ErrImageTooLarge),
		errors.Is(err, imageproc.ErrUnsupportedImage),
		errors.Is(err, api.ErrUnknownDType),
		errors.Is(err, errMissingText):
		return http.StatusBadRequest
	case errors.Is(err, errModelNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func bindError(c *gin.Context, err error) {
	if errors.Is(err, io.EOF) {
		abort(c, http.StatusBadRequest, errors.New("missing request body"))
		return
	}

	abort(c, http.StatusBadRequest, err)
}

// Process runs a process request against the server's model.
func (s *Server) Process(ctx context.Context, req api.ProcessRequest) (*api.ProcessResponse, error) {
	if err := s.checkModel(req.Model); err != nil {
		return nil, err
	}

	images := make([]input.ImageRef, 0, len(req.Images)+len(req.ImageData))
	for _, ref := range req.Images {
		images = append(images, input.FromURI(ref))
	}

	for _, data := range req.ImageData {
		images = append(images, input.FromBytes(data))
	}

	prompt := input.FromText(req.Prompt)
	if req.Tokens != nil {
		prompt = input.FromTokenIDs(req.Tokens)
	}

	p, err := s.adapter.ProcessMultimodalData(ctx, images, prompt)
	if err != nil {
		return nil, err
	}

	return toProcessResponse(p, req.DType)
}

func toProcessResponse(p *input.Processed, dtype string) (*api.ProcessResponse, error) {
	values, ok := p.PixelValues.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel values type %T", p.PixelValues.Data())
	}

	pixels, err := api.NewTensor(p.PixelValues.Shape().Clone(), values, dtype)
	if err != nil {
		return nil, err
	}

	items := make([]api.Item, len(p.MMItems))
	for i, item := range p.MMItems {
		items[i] = api.Item{Modality: item.Modality.String(), Feature: "pixel_values"}
	}

	return &api.ProcessResponse{
		InputIDs:      p.InputIDs,
		AttentionMask: p.AttentionMask,
		PixelValues:   pixels,
		DataHashes:    p.DataHashes,
		MMItems:       items,
	}, nil
}

func (s *Server) ProcessHandler(c *gin.Context) {
	var req api.ProcessRequest
	if err := bind(c, &req); err != nil {
		bindError(c, err)
		return
	}

	resp, err := s.Process(c.Request.Context(), req)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}

	slog.Debug("processed", "request_id", c.GetString("request_id"), "images", len(resp.DataHashes), "tokens", len(resp.InputIDs), "pixel_values", resp.PixelValues)
	respond(c, http.StatusOK, resp)
}

// Tokenize encodes text with the model's tokenizer.
func (s *Server) Tokenize(req api.TokenizeRequest) (*api.TokenizeResponse, error) {
	if err := s.checkModel(req.Model); err != nil {
		return nil, err
	}

	if req.Text == "" {
		return nil, errMissingText
	}

	ids, err := s.adapter.Model().Encode(req.Text, req.AddSpecial)
	if err != nil {
		return nil, err
	}

	return &api.TokenizeResponse{Tokens: ids}, nil
}

func (s *Server) TokenizeHandler(c *gin.Context) {
	var req api.TokenizeRequest
	if err := bind(c, &req); err != nil {
		bindError(c, err)
		return
	}

	resp, err := s.Tokenize(req)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}

	respond(c, http.StatusOK, resp)
}

// Detokenize decodes token ids with the model's tokenizer.
func (s *Server) Detokenize(req api.DetokenizeRequest) (*api.DetokenizeResponse, error) {
	if err := s.checkModel(req.Model); err != nil {
		return nil, err
	}

	text, err := s.adapter.Model().Decode(req.Tokens)
	if err != nil {
		return nil, err
	}

	return &api.DetokenizeResponse{Text: text}, nil
}

func (s *Server) DetokenizeHandler(c *gin.Context) {
	var req api.DetokenizeRequest
	if err := bind(c, &req); err != nil {
		bindError(c, err)
		return
	}

	resp, err := s.Detokenize(req)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}

	respond(c, http.StatusOK, resp)
}

const maxShowLen = 32

// Show describes the server's model. Long arrays such as the vocabulary
// are reported as null unless verbose is set.
func (s *Server) Show(verbose bool) *api.ShowResponse {
	info := make(map[string]any, s.config.Len())
	for k := range s.config.Keys() {
		v := s.config.Value(k)
		if !verbose {
			switch v := v.(type) {
			case []string:
				if len(v) > maxShowLen {
					info[k] = nil
					continue
				}
			case []int32:
				if len(v) > maxShowLen {
					info[k] = nil
					continue
				}
			case []float32:
				if len(v) > maxShowLen {
					info[k] = nil
					continue
				}
			}
		}

		info[k] = v
	}

	return &api.ShowResponse{Architecture: s.config.Architecture(), ModelInfo: info}
}

func (s *Server) ShowHandler(c *gin.Context) {
	verbose, _ := strconv.ParseBool(c.Query("verbose"))
	respond(c, http.StatusOK, s.Show(verbose))
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set("request_id", id)
		c.Header("X-Request-Id", id)

		start := time.Now()
		c.Next()

		slog.Debug("request", "request_id", id, "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status(), "duration", time.Since(start))
	}
}

func (s *Server) GenerateRoutes() http.Handler {
	config := cors.DefaultConfig()
	config.AllowWildcard = true
	config.AllowBrowserExtensions = true
	config.AllowHeaders = []string{"Authorization", "Content-Type", "Accept", "User-Agent", "X-Requested-With"}
	config.ExposeHeaders = []string{"X-Request-Id"}
	config.AllowOrigins = envconfig.AllowOrigins

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(
		cors.New(config),
		requestID(),
	)

	for _, method := range []string{http.MethodGet, http.MethodHead} {
		r.Handle(method, "/", func(c *gin.Context) {
			c.String(http.StatusOK, "mmproc is running")
		})
	}

	r.POST("/api/process", s.ProcessHandler)
	r.POST("/api/tokenize", s.TokenizeHandler)
	r.POST("/api/detokenize", s.DetokenizeHandler)
	r.GET("/api/show", s.ShowHandler)

	return r
}

// Load reads the model in dir and wraps it with an image loader and an
// adapter configured from the environment.
func Load(dir string) (*Server, error) {
	m, config, err := model.NewFromFS(os.DirFS(dir))
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", dir, err)
	}

	loader := &imageproc.Loader{
		MaxSize: envconfig.MaxImageSize,
		Timeout: envconfig.LoadTimeout,
	}

	adapter := model.NewAdapter(m, loader,
		model.WithContentHash(envconfig.HashContent),
		model.WithMaxConcurrentLoads(envconfig.MaxConcurrentLoads),
	)

	return New(dir, config, adapter), nil
}

func Serve(ln net.Listener) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, logutil.Level(envconfig.Debug)))
	slog.Info("server config", "env", envconfig.Values())

	if envconfig.Model == "" {
		return errors.New("MMPROC_MODEL is not set")
	}

	s, err := Load(envconfig.Model)
	if err != nil {
		return err
	}

	s.addr = ln.Addr()
	slog.Info("model loaded", "architecture", s.config.Architecture(), "keys", s.config.Len(), "max_image_size", format.HumanBytes(envconfig.MaxImageSize))

	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}

	// listen for a ctrl+c and stop serving
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
	}()

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", s.addr, version.Version))
	if err := srvr.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
