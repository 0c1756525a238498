package probe

import "testing"

func TestHasNonBlankLine(t *testing.T) {
	if hasNonBlankLine("\n\n   \n") {
		t.Fatal("expected false for all-blank input")
	}
	if !hasNonBlankLine("GPU 0: A100\n") {
		t.Fatal("expected true when a non-blank line is present")
	}
}

func TestCountLinesWithPrefix(t *testing.T) {
	lines := []string{"GPU 0: A100", "GPU 1: A100", "  not a gpu line"}
	if got := countLinesWithPrefix(lines, "GPU "); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
}

func TestCountLinesContaining(t *testing.T) {
	lines := []string{"GPU 0: A100 (MIG)", "GPU 1: A100", "MIG 0"}
	if got := countLinesContaining(lines, "MIG"); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
}

func TestIsDigits(t *testing.T) {
	cases := map[string]bool{"123": true, "": false, "12a": false, "0": true}
	for in, want := range cases {
		if got := isDigits(in); got != want {
			t.Fatalf("isDigits(%q) = %v, want %v", in, got, want)
		}
	}
}
