package redact

import (
	"strings"
	"testing"
)

func TestStringRedaction(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		disallow []string
		require  []string
	}{
		{
			name:     "huggingface token",
			input:    "downloading with HF_TOKEN hf_abcdefghijklmnop",
			disallow: []string{"hf_abcdefghijklmnop"},
			require:  []string{"hf_[REDACTED]"},
		},
		{
			name:     "bearer header",
			input:    "Authorization: Bearer sk-secret-123",
			disallow: []string{"sk-secret-123"},
			require:  []string{"[REDACTED]"},
		},
		{
			name:     "model url",
			input:    "fetch https://huggingface.co/EleutherAI/pythia-160m/resolve/main/model.onnx?download=1",
			disallow: []string{"EleutherAI/pythia-160m"},
			require:  []string{"https://huggingface.co/model.onnx"},
		},
		{
			name:     "mixed token",
			input:    "Bearer abc key=supersecret token=anotherone base=https://models.example.test/files/base/",
			disallow: []string{"abc", "supersecret", "anotherone", "files/base/"},
			require:  []string{"[REDACTED]", "https://models.example.test/[REDACTED_PATH]"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := String(tc.input)
			for _, bad := range tc.disallow {
				if strings.Contains(out, bad) {
					t.Fatalf("output still contains %q: %s", bad, out)
				}
			}
			for _, want := range tc.require {
				if !strings.Contains(out, want) {
					t.Fatalf("output missing required substring %q: %s", want, out)
				}
			}
		})
	}
}

func TestSampleTruncates(t *testing.T) {
	short := Sample("The cat sat.")
	if short != `"The cat sat."` {
		t.Fatalf("short sample changed: %s", short)
	}

	long := Sample(strings.Repeat("member text ", 20))
	if !strings.Contains(long, "(240 chars)") {
		t.Fatalf("expected length suffix, got %s", long)
	}
	if strings.Count(long, "member") > 3 {
		t.Fatalf("sample not truncated: %s", long)
	}
}
