package backend

import (
	"os"
	"os/exec"
	"runtime"
)

// DetectBest picks the best available backend kind on this host: on Linux,
// Firecracker if /dev/kvm exists and the binary resolves; on macOS, Apple
// Containers if `container --version` succeeds; otherwise Podman if
// available, else Docker.
func DetectBest() Kind {
	if runtime.GOOS == "linux" {
		if kvmAvailable() {
			if _, err := exec.LookPath("firecracker"); err == nil {
				return KindFirecracker
			}
		}
	}
	if runtime.GOOS == "darwin" && IsAppleContainersAvailable() {
		return KindApple
	}
	if _, err := exec.LookPath("podman"); err == nil {
		return KindPodman
	}
	return KindDocker
}

func kvmAvailable() bool {
	_, err := os.Stat("/dev/kvm")
	return err == nil
}

// Available reports whether the backend's underlying tooling is usable on
// this host, independent of whether it is the preferred default.
func Available(kind Kind) bool {
	switch kind {
	case KindDocker:
		_, err := exec.LookPath("docker")
		return err == nil
	case KindPodman:
		_, err := exec.LookPath("podman")
		return err == nil
	case KindFirecracker:
		return kvmAvailable() && lookPathOK("firecracker")
	case KindApple:
		return runtime.GOOS == "darwin" && IsAppleContainersAvailable()
	case KindKubernetes:
		return lookPathOK("kubectl")
	case KindNomad:
		return lookPathOK("nomad")
	case KindHyperlight:
		return runtime.GOOS == "linux" && kvmAvailable()
	default:
		return false
	}
}

func lookPathOK(bin string) bool {
	_, err := exec.LookPath(bin)
	return err == nil
}
