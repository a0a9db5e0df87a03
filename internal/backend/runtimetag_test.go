package backend

import "testing"

func TestResolveRuntimeImageKnownTags(t *testing.T) {
	tags := []string{"base", "python", "node", "go", "rust", "ruby", "java", "c", "dotnet"}
	for _, tag := range tags {
		ri, err := ResolveRuntimeImage(tag)
		if err != nil {
			t.Fatalf("ResolveRuntimeImage(%q): %v", tag, err)
		}
		if ri.Tag != tag {
			t.Fatalf("ResolveRuntimeImage(%q).Tag = %q", tag, ri.Tag)
		}
		if ri.ContainerRef == "" || ri.FirecrackerFS == "" {
			t.Fatalf("ResolveRuntimeImage(%q) missing image refs: %+v", tag, ri)
		}
	}
}

func TestResolveRuntimeImageEmptyFallsBackToBase(t *testing.T) {
	ri, err := ResolveRuntimeImage("")
	if err != nil {
		t.Fatalf("ResolveRuntimeImage(\"\"): %v", err)
	}
	if ri.Tag != "base" {
		t.Fatalf("ResolveRuntimeImage(\"\").Tag = %q, want base", ri.Tag)
	}
}

func TestResolveRuntimeImageRejectsUnknownTag(t *testing.T) {
	cases := []string{"../../etc/passwd", "python3", "PYTHON", "unknown"}
	for _, tag := range cases {
		if _, err := ResolveRuntimeImage(tag); err == nil {
			t.Fatalf("ResolveRuntimeImage(%q) should be rejected", tag)
		}
	}
}
