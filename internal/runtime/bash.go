package runtime

import (
	"fmt"
	"strings"
)

const maxScriptBytes = 1 << 20

// BashRuntime runs scripts with bash.
type BashRuntime struct{}

func (b *BashRuntime) Name() string { return "bash" }

func (b *BashRuntime) Command(scriptPath string) []string {
	return []string{"bash", scriptPath}
}

func (b *BashRuntime) FileExtension() string { return ".sh" }

func (b *BashRuntime) Validate(content string) error {
	return validateContent(content)
}

// ShRuntime runs scripts with the POSIX shell.
type ShRuntime struct{}

func (s *ShRuntime) Name() string { return "sh" }

func (s *ShRuntime) Command(scriptPath string) []string {
	return []string{"sh", scriptPath}
}

func (s *ShRuntime) FileExtension() string { return ".sh" }

func (s *ShRuntime) Validate(content string) error {
	return validateContent(content)
}

// PathRuntime runs scripts with an interpreter given by absolute path.
type PathRuntime struct {
	Path string
	ext  string
}

func (p *PathRuntime) Name() string { return p.Path }

func (p *PathRuntime) Command(scriptPath string) []string {
	return []string{p.Path, scriptPath}
}

func (p *PathRuntime) FileExtension() string { return p.ext }

func (p *PathRuntime) Validate(content string) error {
	return validateContent(content)
}

// validateContent rejects blank or oversized scripts and scripts
// containing NUL.
func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("script is empty")
	}
	if len(content) > maxScriptBytes {
		return fmt.Errorf("script is %d bytes, limit is %d", len(content), maxScriptBytes)
	}
	if i := strings.IndexByte(content, 0); i >= 0 {
		return fmt.Errorf("script contains a NUL byte at offset %d", i)
	}
	return nil
}
