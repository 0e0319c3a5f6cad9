package model

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const clipPretokenizer = `<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|[\p{N}]|[^\s\p{L}\p{N}]+`

func gpt2Tokenizer(t testing.TB) BytePairEncoding {
	t.Helper()

	bpe, err := NewBytePairEncoding(&Vocabulary{
		Values: []string{"h", "e", "l", "o", "Ġ", "w", "r", "d", "he", "ll", "llo", "hello", "Ġw", "or", "ld", "Ġwor", "Ġworld", "<|endoftext|>"},
		Types:  []int32{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, TOKEN_TYPE_CONTROL},
		Merges: []string{"h e", "l l", "ll o", "he llo", "Ġ w", "o r", "l d", "Ġw or", "Ġwor ld"},
		BOS:    []int32{17},
		EOS:    []int32{17},
	})
	if err != nil {
		t.Fatal(err)
	}

	return bpe
}

func clipTokenizer(t testing.TB) BytePairEncoding {
	t.Helper()

	bpe, err := NewBytePairEncoding(&Vocabulary{
		Values: []string{
			"a</w>", "c", "t</w>", "ca", "cat</w>", "d", "o", "g</w>", "do", "dog</w>",
			"<|startoftext|>", "<|endoftext|>", "t", "s</w>",
		},
		Types:           []int32{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, TOKEN_TYPE_CONTROL, TOKEN_TYPE_CONTROL, 1, 1},
		Merges:          []string{"c a", "ca t</w>", "d o", "do g</w>"},
		BOS:             []int32{10},
		EOS:             []int32{11},
		PAD:             []int32{11},
		AddBOS:          true,
		AddEOS:          true,
		EndOfWordSuffix: "</w>",
		Lowercase:       true,
	}, clipPretokenizer)
	if err != nil {
		t.Fatal(err)
	}

	return bpe
}

func TestBytePairEncoding(t *testing.T) {
	bpe := gpt2Tokenizer(t)

	cases := []struct {
		name  string
		input string
		want  []int32
	}{
		{name: "whole words", input: "hello world", want: []int32{11, 16}},
		{name: "merges", input: "hell", want: []int32{8, 9}},
		{name: "special", input: "hello<|endoftext|>", want: []int32{11, 17}},
		{name: "empty", input: "", want: nil},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := bpe.Encode(tt.input, false)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("no match (-theirs +ours):\n%s", diff)
			}

			s, err := bpe.Decode(ids)
			if err != nil {
				t.Fatal(err)
			}

			if s != tt.input {
				t.Errorf("Decode() = %q, want %q", s, tt.input)
			}
		})
	}
}

func TestBytePairEncodingSpecials(t *testing.T) {
	bpe := gpt2Tokenizer(t)
	bpe.Vocabulary().AddBOS = true

	ids, err := bpe.Encode("hello", true)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int32{17, 11}, ids); diff != "" {
		t.Errorf("no match (-theirs +ours):\n%s", diff)
	}

	if !bpe.Is(17, SpecialBOS) || !bpe.Is(17, SpecialEOS) || bpe.Is(11, SpecialBOS) {
		t.Error("unexpected special token classification")
	}
}

func TestBytePairEncodingEndOfWordSuffix(t *testing.T) {
	bpe := clipTokenizer(t)

	cases := []struct {
		name       string
		input      string
		addSpecial bool
		want       []int32
		decoded    string
	}{
		{name: "words", input: "A Cat  dog", want: []int32{0, 4, 9}, decoded: "a cat dog"},
		{name: "specials", input: "a cat", addSpecial: true, want: []int32{10, 0, 4, 11}, decoded: "<|startoftext|>a cat <|endoftext|>"},
		{name: "partial merge", input: "cats", want: []int32{3, 12, 13}, decoded: "cats"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := bpe.Encode(tt.input, tt.addSpecial)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("no match (-theirs +ours):\n%s", diff)
			}

			s, err := bpe.Decode(ids)
			if err != nil {
				t.Fatal(err)
			}

			if s != tt.decoded {
				t.Errorf("Decode() = %q, want %q", s, tt.decoded)
			}

			again, err := bpe.Encode(s, false)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(ids, again); diff != "" {
				t.Errorf("round trip mismatch (-first +second):\n%s", diff)
			}
		})
	}
}

func TestBytePairEncodingInvalid(t *testing.T) {
	bpe := clipTokenizer(t)

	if _, err := bpe.Decode([]int32{0, 99}); !errors.Is(err, ErrInvalidTokenID) {
		t.Errorf("expected ErrInvalidTokenID, got %v", err)
	}

	if _, err := bpe.Decode([]int32{-1}); !errors.Is(err, ErrInvalidTokenID) {
		t.Errorf("expected ErrInvalidTokenID, got %v", err)
	}

	if _, err := NewBytePairEncoding(&Vocabulary{}, `(unclosed`); err == nil {
		t.Error("expected error for invalid pretokenizer")
	}
}

func TestVocabularySpecialVocabulary(t *testing.T) {
	vocab := &Vocabulary{
		Values: []string{"<|startoftext|>", "<|endoftext|>", "<|tool_call_start|>", "<tool>", "hi"},
		Types:  []int32{TOKEN_TYPE_CONTROL, TOKEN_TYPE_CONTROL, TOKEN_TYPE_USER_DEFINED, TOKEN_TYPE_USER_DEFINED, TOKEN_TYPE_NORMAL},
	}

	want := []string{"<|tool_call_start|>", "<|startoftext|>", "<|endoftext|>", "<tool>"}
	if diff := cmp.Diff(want, vocab.SpecialVocabulary()); diff != "" {
		t.Errorf("no match (-theirs +ours):\n%s", diff)
	}
}
