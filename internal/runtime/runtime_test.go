package runtime

import (
	"fmt"
	"strings"
	"testing"
)

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		shell    string
		wantName string
		wantErr  bool
	}{
		{"bash", "bash", false},
		{"sh", "sh", false},
		{"/usr/local/bin/bash", "/usr/local/bin/bash", false},
		{"/opt/zsh", "/opt/zsh", false},
		{"zsh", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.shell, func(t *testing.T) {
			rt, err := r.Get(tt.shell)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Get(%q) error = %v, wantErr %v", tt.shell, err, tt.wantErr)
			}
			if err == nil && rt.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", rt.Name(), tt.wantName)
			}
		})
	}
}

func TestRegistry_Names(t *testing.T) {
	got := NewRegistry().Names()
	if strings.Join(got, ",") != "bash,sh" {
		t.Errorf("Names() = %v, want [bash sh]", got)
	}
}

func TestCommand(t *testing.T) {
	tests := []struct {
		rt   Runtime
		want string
	}{
		{&BashRuntime{}, "bash /tmp/script_1.sh"},
		{&ShRuntime{}, "sh /tmp/script_1.sh"},
		{&PathRuntime{Path: "/bin/dash", ext: ".sh"}, "/bin/dash /tmp/script_1.sh"},
	}
	for _, tt := range tests {
		if got := strings.Join(tt.rt.Command("/tmp/script_1.sh"), " "); got != tt.want {
			t.Errorf("%s Command() = %q, want %q", tt.rt.Name(), got, tt.want)
		}
		if tt.rt.FileExtension() != ".sh" {
			t.Errorf("%s FileExtension() = %q, want .sh", tt.rt.Name(), tt.rt.FileExtension())
		}
	}
}

func TestInvocation(t *testing.T) {
	rt := &BashRuntime{}

	plain := Invocation(rt, "/tmp/s.sh", false)
	if strings.Join(plain, " ") != "bash /tmp/s.sh" {
		t.Errorf("unbuffered Invocation = %v", plain)
	}

	buffered := Invocation(rt, "/tmp/s.sh", true)
	if stdbufPath() == "" {
		if len(buffered) != 2 {
			t.Errorf("without stdbuf Invocation = %v, want plain argv", buffered)
		}
		return
	}
	if len(buffered) != 5 || buffered[1] != "-oL" || buffered[2] != "-eL" || buffered[3] != "bash" {
		t.Errorf("buffered Invocation = %v, want [stdbuf -oL -eL bash /tmp/s.sh]", buffered)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid", "echo hi", false},
		{"empty", "", true},
		{"blank", " \n\t", true},
		{"at limit", strings.Repeat("x", maxScriptBytes), false},
		{"over limit", strings.Repeat("x", maxScriptBytes+1), true},
		{"nul byte", "echo a\x00b", true},
	}

	for _, rt := range []Runtime{&BashRuntime{}, &ShRuntime{}, &PathRuntime{Path: "/bin/zsh", ext: ".sh"}} {
		for _, tt := range tests {
			t.Run(fmt.Sprintf("%T/%s", rt, tt.name), func(t *testing.T) {
				err := rt.Validate(tt.content)
				if (err != nil) != tt.wantErr {
					t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				}
			})
		}
	}
}
