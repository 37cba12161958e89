package loop

import "testing"

func TestExtractPromise(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		want   string
		wantOK bool
	}{
		{
			name:   "simple match",
			text:   "All tests pass. <promise>done</promise>",
			want:   "done",
			wantOK: true,
		},
		{
			name:   "edges trimmed",
			text:   "<promise>  all tasks complete  </promise>",
			want:   "all tasks complete",
			wantOK: true,
		},
		{
			name:   "internal whitespace collapsed",
			text:   "<promise>migration\n\tfinished   successfully</promise>",
			want:   "migration finished successfully",
			wantOK: true,
		},
		{
			name:   "first match wins",
			text:   "<promise>first</promise> and <promise>second</promise>",
			want:   "first",
			wantOK: true,
		},
		{
			name:   "shortest span wins",
			text:   "<promise>a</promise> trailing </promise>",
			want:   "a",
			wantOK: true,
		},
		{
			name:   "spans newlines",
			text:   "prefix\n<promise>line one\nline two</promise>\nsuffix",
			want:   "line one line two",
			wantOK: true,
		},
		{
			name: "no tags",
			text: "I finished everything, promise!",
		},
		{
			name: "unterminated",
			text: "<promise>done",
		},
		{
			name: "only closing tag",
			text: "done</promise>",
		},
		{
			name: "empty span",
			text: "<promise></promise>",
		},
		{
			name: "empty input",
			text: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractPromise(tt.text)
			if ok != tt.wantOK {
				t.Fatalf("ExtractPromise(%q) ok = %v, want %v", tt.text, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("ExtractPromise(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestExtractPromiseDeterministic(t *testing.T) {
	text := "working…\n<promise>  db   migrated </promise> done"
	first, _ := ExtractPromise(text)
	second, _ := ExtractPromise(text)
	if first != second {
		t.Errorf("ExtractPromise not deterministic: %q vs %q", first, second)
	}
}

func TestNormalizePromise(t *testing.T) {
	if got := NormalizePromise("  all   done\tnow  "); got != "all done now" {
		t.Errorf("NormalizePromise() = %q, want %q", got, "all done now")
	}
	if got := NormalizePromise(""); got != "" {
		t.Errorf("NormalizePromise(empty) = %q, want empty", got)
	}
}
