package backend

import "testing"

func TestValidateSandboxPath(t *testing.T) {
	cases := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"absolute ok", "/workspace/main.go", false},
		{"relative rejected", "workspace/main.go", true},
		{"traversal rejected", "/workspace/../etc/passwd", true},
		{"proc blocked", "/proc/1/mem", true},
		{"sys blocked", "/sys/kernel", true},
		{"dev blocked", "/dev/sda", true},
		{"passwd blocked", "/etc/passwd", true},
		{"shadow blocked", "/etc/shadow", true},
		{"sudoers blocked on host layer", "/etc/sudoers", true},
		{"ssh blocked on host layer", "/root/.ssh/id_rsa", true},
		{"ordinary etc file ok", "/etc/hostname", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSandboxPath(tc.path)
			if tc.wantErr && err == nil {
				t.Fatalf("ValidateSandboxPath(%q) = nil, want error", tc.path)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("ValidateSandboxPath(%q) = %v, want nil", tc.path, err)
			}
		})
	}
}
