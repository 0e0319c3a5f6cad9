package format

import (
	"testing"
)

func TestHumanBytes(t *testing.T) {
	type testCase struct {
		input    int64
		expected string
	}

	tests := []testCase{
		{0, "0 B"},
		{999, "999 B"},
		{1000, "1.0 KB"},
		{1500, "1.5 KB"},
		{20_000_000, "20.0 MB"},
		{3_200_000_000, "3.2 GB"},
	}

	for _, tc := range tests {
		if got := HumanBytes(tc.input); got != tc.expected {
			t.Errorf("HumanBytes(%d) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestHumanBytes2(t *testing.T) {
	tests := map[uint64]string{
		0:              "0 B",
		1023:           "1023 B",
		KibiByte:       "1.0 KiB",
		20 * MebiByte:  "20.0 MiB",
		3 * GibiByte:   "3.0 GiB",
		GibiByte + 512: "1.0 GiB",
	}

	for input, expected := range tests {
		if got := HumanBytes2(input); got != expected {
			t.Errorf("HumanBytes2(%d) = %q, want %q", input, got, expected)
		}
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{input: "512", want: 512},
		{input: "512B", want: 512},
		{input: "20MiB", want: 20 * MebiByte},
		{input: "20 mib", want: 20 * MebiByte},
		{input: "1.5GB", want: 1_500_000_000},
		{input: "4KB", want: 4000},
		{input: "2KiB", want: 2048},
		{input: "", wantErr: true},
		{input: "MB", wantErr: true},
		{input: "-1", wantErr: true},
		{input: "lots", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseBytes(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseBytes(%q) expected error, got %d", tt.input, got)
			}
			continue
		}

		if err != nil {
			t.Errorf("ParseBytes(%q) unexpected error: %v", tt.input, err)
		} else if got != tt.want {
			t.Errorf("ParseBytes(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}
