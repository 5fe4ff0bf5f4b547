package main

import "testing"

// Under go test stderr is a pipe, so the renderer takes the plain path.

func TestRenderMarkdownTailPassesThroughWhenPiped(t *testing.T) {
	t.Parallel()

	in := "## Notes\n\nThe report covers **March** only.\n"
	got := renderMarkdownTail(in)
	if got != "## Notes\n\nThe report covers **March** only." {
		t.Fatalf("renderMarkdownTail(%q) = %q", in, got)
	}
}

func TestRenderMarkdownTailEmpty(t *testing.T) {
	t.Parallel()

	if got := renderMarkdownTail("  \n\t"); got != "" {
		t.Fatalf("blank tail rendered as %q", got)
	}
}

func TestTailWidthBounds(t *testing.T) {
	t.Parallel()

	// No terminal behind stderr in tests, so the default applies.
	if w := tailWidth(); w < 20 || w > 120 {
		t.Fatalf("tailWidth() = %d, want within [20, 120]", w)
	}
}
