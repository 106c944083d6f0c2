package quality

import "testing"

func TestEnforceMaxLength(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		maxChars int
		want     string
	}{
		{"under cap untouched", "hey", 10, "hey"},
		{"word boundary in tail", "hello world again", 13, "hello world"},
		{"no whitespace clips mid-token", "abcdefghijklmnop", 10, "abcdefghij"},
		{"whitespace outside tail clips mid-token", "hello toolongword", 10, "hello tool"},
		{"trailing whitespace trimmed", "hi there   ", 50, "hi there"},
		{"cap of zero only trims", "done  \n", 0, "done"},
		{"multibyte runes counted as chars", "héllo wörld ëxtra", 12, "héllo wörld"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EnforceMaxLength(tt.text, tt.maxChars)
			if got != tt.want {
				t.Errorf("EnforceMaxLength(%q, %d) = %q, want %q", tt.text, tt.maxChars, got, tt.want)
			}
			if again := EnforceMaxLength(got, tt.maxChars); again != got {
				t.Errorf("not idempotent: %q then %q", got, again)
			}
		})
	}
}

func TestEnforceMaxLengthNeverTrailingWhitespace(t *testing.T) {
	inputs := []string{
		"ends with space ", "ends with newline\n", "word and more words here",
		"a b c d e f g h i j k l", "\t\t", "",
	}
	for _, in := range inputs {
		for _, cap := range []int{0, 3, 8, 100} {
			got := EnforceMaxLength(in, cap)
			if got != "" && (got[len(got)-1] == ' ' || got[len(got)-1] == '\n' || got[len(got)-1] == '\t') {
				t.Errorf("EnforceMaxLength(%q, %d) = %q ends in whitespace", in, cap, got)
			}
		}
	}
}

func TestFlattenForGroup(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"single line", "single line"},
		{"line one\nline two", "line one line two"},
		{"a\n\n\nb", "a b"},
		{"padded  \n  lines", "padded lines"},
		{"\nleading and trailing\n", "leading and trailing"},
	}
	for _, tt := range tests {
		if got := FlattenForGroup(tt.text); got != tt.want {
			t.Errorf("FlattenForGroup(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestCountSentences(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"hey", 1},
		{"one. two.", 2},
		{"one. two", 2},
		{"really?!", 1},
		{"wait... what?", 2},
		{"First. Second. Third.", 3},
	}
	for _, tt := range tests {
		if got := CountSentences(tt.text); got != tt.want {
			t.Errorf("CountSentences(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
