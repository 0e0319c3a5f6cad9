// Package hf reads model metadata from a HuggingFace style model
// directory (config.json, preprocessor_config.json, tokenizer.json and
// tokenizer_config.json) into a flat key/value view.
package hf

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"
)

const (
	_ int32 = iota
	tokenTypeNormal
	tokenTypeUnknown
	tokenTypeControl
	tokenTypeUserDefined
)

// Decode reads the model directory rooted at fsys. config.json is
// required, every other file is optional.
func Decode(fsys fs.FS) (KV, error) {
	kv := make(KV)

	var c modelConfig
	if err := readJSON(fsys, "config.json", &c); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("model directory is missing config.json: %w", err)
	} else if err != nil {
		return nil, err
	}

	arch := strings.ToLower(c.ModelType)
	if arch == "" && len(c.Architectures) > 0 {
		arch = strings.ToLower(strings.TrimSuffix(c.Architectures[0], "Model"))
	}

	if arch == "" {
		return nil, errors.New("config.json does not name a model_type")
	}

	kv["general.architecture"] = arch
	if n := c.TextConfig.MaxPositionEmbeddings; n > 0 {
		kv[arch+".text.context_length"] = uint32(n)
	}

	if n := c.VisionConfig.ImageSize; n > 0 {
		kv[arch+".vision.image_size"] = uint32(n)
	}

	if n := c.VisionConfig.PatchSize; n > 0 {
		kv[arch+".vision.patch_size"] = uint32(n)
	}

	if err := decodePreprocessor(fsys, arch, kv); err != nil {
		return nil, err
	}

	if err := decodeTokenizer(fsys, kv); err != nil {
		return nil, err
	}

	slog.Debug("decoded model config", "architecture", arch, "keys", len(kv))
	return kv, nil
}

type modelConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`
	TextConfig    struct {
		MaxPositionEmbeddings int `json:"max_position_embeddings"`
	} `json:"text_config"`
	VisionConfig struct {
		ImageSize int `json:"image_size"`
		PatchSize int `json:"patch_size"`
	} `json:"vision_config"`
}

func readJSON(fsys fs.FS, name string, v any) error {
	f, err := fsys.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	return nil
}

// imageSize is the union of the shapes HuggingFace uses for "size" and
// "crop_size": a bare number, {"shortest_edge": n} or {"height": h, "width": w}.
type imageSize struct {
	ShortestEdge int `mapstructure:"shortest_edge"`
	Height       int `mapstructure:"height"`
	Width        int `mapstructure:"width"`
}

type preprocessorConfig struct {
	DoResize      *bool      `mapstructure:"do_resize"`
	Size          *imageSize `mapstructure:"size"`
	Resample      *int       `mapstructure:"resample"`
	DoCenterCrop  *bool      `mapstructure:"do_center_crop"`
	CropSize      *imageSize `mapstructure:"crop_size"`
	DoRescale     *bool      `mapstructure:"do_rescale"`
	RescaleFactor *float64   `mapstructure:"rescale_factor"`
	DoNormalize   *bool      `mapstructure:"do_normalize"`
	ImageMean     []float64  `mapstructure:"image_mean"`
	ImageStd      []float64  `mapstructure:"image_std"`
	DoConvertRGB  *bool      `mapstructure:"do_convert_rgb"`
}

func imageSizeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(imageSize{}) && to != reflect.TypeOf(&imageSize{}) {
		return data, nil
	}

	switch n := data.(type) {
	case float64:
		return map[string]any{"shortest_edge": n, "height": n, "width": n}, nil
	case int:
		return map[string]any{"shortest_edge": n, "height": n, "width": n}, nil
	}

	return data, nil
}

func decodePreprocessor(fsys fs.FS, arch string, kv KV) error {
	var raw map[string]any
	if err := readJSON(fsys, "preprocessor_config.json", &raw); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	var p preprocessorConfig
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       imageSizeHook,
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil {
		return err
	}

	if err := d.Decode(raw); err != nil {
		return fmt.Errorf("preprocessor_config.json: %w", err)
	}

	prefix := arch + ".vision."
	setBool := func(key string, b *bool) {
		if b != nil {
			kv[prefix+key] = *b
		}
	}

	setBool("do_resize", p.DoResize)
	setBool("do_center_crop", p.DoCenterCrop)
	setBool("do_rescale", p.DoRescale)
	setBool("do_normalize", p.DoNormalize)
	setBool("do_convert_rgb", p.DoConvertRGB)

	if s := p.Size; s != nil {
		if s.ShortestEdge > 0 {
			kv[prefix+"shortest_edge"] = uint32(s.ShortestEdge)
		} else if s.Height > 0 && s.Width > 0 {
			kv[prefix+"resize_height"] = uint32(s.Height)
			kv[prefix+"resize_width"] = uint32(s.Width)
		}
	}

	if s := p.CropSize; s != nil && s.Height > 0 && s.Width > 0 {
		kv[prefix+"crop_height"] = uint32(s.Height)
		kv[prefix+"crop_width"] = uint32(s.Width)
	}

	if p.Resample != nil {
		kv[prefix+"resample"] = uint32(*p.Resample)
	}

	if p.RescaleFactor != nil {
		kv[prefix+"rescale_factor"] = float32(*p.RescaleFactor)
	}

	toFloat32s := func(f64s []float64) []float32 {
		f32s := make([]float32, len(f64s))
		for i := range f64s {
			f32s[i] = float32(f64s[i])
		}
		return f32s
	}

	if len(p.ImageMean) > 0 {
		kv[prefix+"image_mean"] = toFloat32s(p.ImageMean)
	}

	if len(p.ImageStd) > 0 {
		kv[prefix+"image_std"] = toFloat32s(p.ImageStd)
	}

	return nil
}

type tokenizer struct {
	AddedTokens []token `json:"added_tokens"`
	Normalizer  *struct {
		Type        string `json:"type"`
		Lowercase   bool   `json:"lowercase"`
		Normalizers []struct {
			Type string `json:"type"`
		} `json:"normalizers"`
	} `json:"normalizer"`
	PreTokenizer struct {
		Type          string         `json:"type"`
		Pattern       pattern        `json:"pattern"`
		PreTokenizers []preTokenizer `json:"pretokenizers"`
	} `json:"pre_tokenizer"`
	PostProcessor *struct {
		Type   string          `json:"type"`
		Cls    []any           `json:"cls"`
		Sep    []any           `json:"sep"`
		Single []templatePiece `json:"single"`
	} `json:"post_processor"`
	Model struct {
		Type            string          `json:"type"`
		Vocab           map[string]int  `json:"vocab"`
		Merges          json.RawMessage `json:"merges"`
		EndOfWordSuffix string          `json:"end_of_word_suffix"`
		UnkToken        string          `json:"unk_token"`
	} `json:"model"`
}

type pattern struct {
	Regex string `json:"Regex"`
}

type preTokenizer struct {
	Type    string  `json:"type"`
	Pattern pattern `json:"pattern"`
}

type templatePiece struct {
	SpecialToken *struct {
		ID string `json:"id"`
	} `json:"SpecialToken"`
	Sequence *struct {
		ID string `json:"id"`
	} `json:"Sequence"`
}

type token struct {
	ID          int    `json:"id"`
	Content     string `json:"content"`
	Special     bool   `json:"special"`
	UserDefined bool
}

func decodeTokenizer(fsys fs.FS, kv KV) error {
	var tt tokenizer
	if err := readJSON(fsys, "tokenizer.json", &tt); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	if tt.Model.Type != "" && tt.Model.Type != "BPE" {
		return fmt.Errorf("unsupported tokenizer model %q", tt.Model.Type)
	}

	tokens := make(map[int]token, len(tt.Model.Vocab))
	for k, v := range tt.Model.Vocab {
		tokens[v] = token{ID: v, Content: k}
	}

	for _, t := range tt.AddedTokens {
		t.UserDefined = true
		tokens[t.ID] = t
	}

	ids := slices.Sorted(maps.Keys(tokens))
	if len(ids) > 0 && ids[len(ids)-1] != len(ids)-1 {
		return fmt.Errorf("tokenizer.json: token ids are not contiguous, max id %d for %d tokens", ids[len(ids)-1], len(ids))
	}

	values := make([]string, len(ids))
	types := make([]int32, len(ids))
	lookup := make(map[string]int32, len(ids))
	for _, id := range ids {
		t := tokens[id]
		values[id] = t.Content
		lookup[t.Content] = int32(id)
		switch {
		case t.Special:
			types[id] = tokenTypeControl
		case t.UserDefined:
			types[id] = tokenTypeUserDefined
		case t.Content == tt.Model.UnkToken:
			types[id] = tokenTypeUnknown
		default:
			types[id] = tokenTypeNormal
		}
	}

	kv["tokenizer.model"] = "gpt2"
	kv["tokenizer.tokens"] = values
	kv["tokenizer.token_type"] = types

	merges, err := parseMerges(tt.Model.Merges)
	if err != nil {
		return err
	}
	kv["tokenizer.merges"] = merges

	if tt.Model.EndOfWordSuffix != "" {
		kv["tokenizer.end_of_word_suffix"] = tt.Model.EndOfWordSuffix
	}

	if n := tt.Normalizer; n != nil {
		lowercase := n.Type == "Lowercase" || (n.Type == "BertNormalizer" && n.Lowercase)
		for _, nn := range n.Normalizers {
			lowercase = lowercase || nn.Type == "Lowercase"
		}
		kv["tokenizer.lowercase"] = lowercase
	}

	var pretokenizers []string
	if pt := tt.PreTokenizer; pt.Type == "Split" && pt.Pattern.Regex != "" {
		pretokenizers = append(pretokenizers, pt.Pattern.Regex)
	}
	for _, pt := range tt.PreTokenizer.PreTokenizers {
		if pt.Type == "Split" && pt.Pattern.Regex != "" {
			pretokenizers = append(pretokenizers, pt.Pattern.Regex)
		}
	}
	if len(pretokenizers) > 0 {
		kv["tokenizer.pretokenizers"] = pretokenizers
	}

	if pp := tt.PostProcessor; pp != nil {
		switch pp.Type {
		case "RobertaProcessing", "BertProcessing":
			if len(pp.Cls) > 0 {
				if s, ok := pp.Cls[0].(string); ok {
					if id, ok := lookup[s]; ok {
						kv["tokenizer.bos_token_id"] = uint32(id)
						kv["tokenizer.add_bos_token"] = true
					}
				}
			}
			if len(pp.Sep) > 0 {
				if s, ok := pp.Sep[0].(string); ok {
					if id, ok := lookup[s]; ok {
						kv["tokenizer.eos_token_id"] = uint32(id)
						kv["tokenizer.add_eos_token"] = true
					}
				}
			}
		case "TemplateProcessing":
			for i, piece := range pp.Single {
				if piece.SpecialToken == nil {
					continue
				}

				id, ok := lookup[piece.SpecialToken.ID]
				if !ok {
					continue
				}

				switch i {
				case 0:
					kv["tokenizer.bos_token_id"] = uint32(id)
					kv["tokenizer.add_bos_token"] = true
				case len(pp.Single) - 1:
					kv["tokenizer.eos_token_id"] = uint32(id)
					kv["tokenizer.add_eos_token"] = true
				}
			}
		}
	}

	return decodeTokenizerConfig(fsys, kv, lookup)
}

func parseMerges(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var merges []string
	if err := json.Unmarshal(raw, &merges); err == nil {
		return merges, nil
	}

	var pairs [][]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("could not parse tokenizer merges. expected []string or [][]string: %w", err)
	}

	merges = make([]string, len(pairs))
	for i := range pairs {
		merges[i] = strings.Join(pairs[i], " ")
	}

	return merges, nil
}

func decodeTokenizerConfig(fsys fs.FS, kv KV, lookup map[string]int32) error {
	var p map[string]json.RawMessage
	if err := readJSON(fsys, "tokenizer_config.json", &p); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	for _, st := range []string{"bos", "eos", "pad", "unk"} {
		if bts, ok := p["add_"+st+"_token"]; ok {
			var add bool
			if err := json.Unmarshal(bts, &add); err == nil {
				kv["tokenizer.add_"+st+"_token"] = add
			}
		}

		bts, ok := p[st+"_token"]
		if !ok {
			continue
		}

		var content string
		if err := json.Unmarshal(bts, &content); err != nil {
			var mm map[string]any
			if err := json.Unmarshal(bts, &mm); err != nil {
				continue
			}

			content, ok = mm["content"].(string)
			if !ok {
				continue
			}
		}

		if id, ok := lookup[content]; ok {
			key := st
			if st == "pad" {
				key = "padding"
			}
			kv["tokenizer."+key+"_token_id"] = uint32(id)
		}
	}

	if bts, ok := p["model_max_length"]; ok {
		var n float64
		// very large sentinels mean "no limit"
		if err := json.Unmarshal(bts, &n); err == nil && n > 0 && n < 1<<20 {
			if _, ok := kv[kv.key("text.context_length")]; !ok {
				kv[kv.key("text.context_length")] = uint32(n)
			}
		}
	}

	return nil
}
