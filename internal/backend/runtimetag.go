package backend

import "fmt"

// RuntimeImage maps a warm-pool runtime tag (e.g. "base", "python") to the
// concrete image reference or rootfs filename a backend needs to start a
// sandbox. This is a Go slice rather than an external config file: the
// mapping is small, ships with the binary, and changing it is a code
// change like any other default.
type RuntimeImage struct {
	Tag           string
	ContainerRef  string // image reference for Docker/Podman/Apple/Kubernetes/Nomad
	FirecrackerFS string // rootfs filename under the images directory
}

// runtimeImages is the fixed allowlist: base, python, node, go, rust, ruby,
// java, c, dotnet. Any tag outside this list is rejected lexically before
// it is ever used to build a filesystem path, preventing traversal via
// "../../etc/passwd" style tags.
var runtimeImages = []RuntimeImage{
	{Tag: "base", ContainerRef: "alpine:3.20", FirecrackerFS: "base.ext4"},
	{Tag: "python", ContainerRef: "python:3.12-slim", FirecrackerFS: "python.ext4"},
	{Tag: "node", ContainerRef: "node:22-slim", FirecrackerFS: "node.ext4"},
	{Tag: "go", ContainerRef: "golang:1.23-bookworm", FirecrackerFS: "go.ext4"},
	{Tag: "rust", ContainerRef: "rust:1.81-slim-bookworm", FirecrackerFS: "rust.ext4"},
	{Tag: "ruby", ContainerRef: "ruby:3.3-slim", FirecrackerFS: "ruby.ext4"},
	{Tag: "java", ContainerRef: "eclipse-temurin:21-jdk-jammy", FirecrackerFS: "java.ext4"},
	{Tag: "c", ContainerRef: "gcc:13-bookworm", FirecrackerFS: "c.ext4"},
	{Tag: "dotnet", ContainerRef: "mcr.microsoft.com/dotnet/sdk:8.0", FirecrackerFS: "dotnet.ext4"},
}

// ErrUnknownRuntimeTag is returned when a runtime tag isn't in the
// allowlist.
var ErrUnknownRuntimeTag = fmt.Errorf("backend: runtime tag not in allowlist")

// ResolveRuntimeImage looks up a runtime tag, falling back to "base" if the
// tag is empty. An unrecognized non-empty tag is rejected rather than
// silently falling back, per the allowlist invariant.
func ResolveRuntimeImage(tag string) (RuntimeImage, error) {
	if tag == "" {
		tag = "base"
	}
	for _, ri := range runtimeImages {
		if ri.Tag == tag {
			return ri, nil
		}
	}
	return RuntimeImage{}, fmt.Errorf("%w: %q", ErrUnknownRuntimeTag, tag)
}
