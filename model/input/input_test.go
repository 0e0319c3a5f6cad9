package input

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPrompt(t *testing.T) {
	cases := []struct {
		name      string
		p         Prompt
		tokenized bool
		text      string
		ids       []int32
	}{
		{name: "zero", p: Prompt{}},
		{name: "text", p: FromText("describe <image>"), text: "describe <image>"},
		{name: "ids", p: FromTokenIDs([]int32{49406, 320, 49407}), tokenized: true, ids: []int32{49406, 320, 49407}},
		{name: "empty ids", p: FromTokenIDs(nil), tokenized: true},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if tt.p.IsTokenized() != tt.tokenized {
				t.Errorf("IsTokenized() = %v, want %v", tt.p.IsTokenized(), tt.tokenized)
			}

			if tt.p.Text() != tt.text {
				t.Errorf("Text() = %q, want %q", tt.p.Text(), tt.text)
			}

			if diff := cmp.Diff(tt.p.TokenIDs(), tt.ids); diff != "" {
				t.Errorf("TokenIDs() mismatch (-got +want):\n%s", diff)
			}
		})
	}
}

func TestImageRefString(t *testing.T) {
	if got := FromURI("http://example/cat.png").String(); got != "http://example/cat.png" {
		t.Errorf("got %q", got)
	}

	if got := FromBytes([]byte("cat")).String(); got != "Y2F0" {
		t.Errorf("got %q", got)
	}
}

func TestModalityString(t *testing.T) {
	for m, want := range map[Modality]string{
		Image:        "IMAGE",
		MultiImages:  "MULTI_IMAGES",
		Video:        "VIDEO",
		Audio:        "AUDIO",
		Modality(42): "Modality(42)",
	} {
		if got := m.String(); got != want {
			t.Errorf("%d: got %q, want %q", int(m), got, want)
		}
	}
}
