package invoker

import (
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
)

// ShellKind selects the quoting rules of the shell
type ShellKind int

const (
	// ShellPowerShell quotes for PowerShell
	ShellPowerShell ShellKind = iota
	// ShellPOSIX quotes for sh
	ShellPOSIX
)

// Shell wraps a command into a helper shell invocation,
// for platforms where the executable is a script that must be run by a shell.
type Shell struct {
	Path string
	Args []string
	Kind ShellKind
}

// PowerShell returns PowerShell helper at the path
func PowerShell(path string) *Shell {
	return &Shell{
		Path: path,
		Args: []string{"-NoProfile", "-NonInteractive", "-Command"},
		Kind: ShellPowerShell,
	}
}

// POSIXShell returns sh compatible helper at the path
func POSIXShell(path string) *Shell {
	return &Shell{
		Path: path,
		Args: []string{"-c"},
		Kind: ShellPOSIX,
	}
}

// ResolveShell discovers the helper shell for the platform:
// powershell.exe or pwsh.exe on Windows, pwsh or sh elsewhere.
func ResolveShell(goos string, lookPath func(string) (string, error)) (*Shell, error) {
	type candidate struct {
		name string
		new  func(string) *Shell
	}

	var candidates []candidate
	if goos == "windows" {
		candidates = []candidate{
			{"powershell.exe", PowerShell},
			{"pwsh.exe", PowerShell},
		}
	} else {
		candidates = []candidate{
			{"pwsh", PowerShell},
			{"sh", POSIXShell},
		}
	}

	for _, c := range candidates {
		if path, err := lookPath(c.name); err == nil && path != "" {
			return c.new(path), nil
		}
	}
	return nil, errors.Errorf("no supported shell found for %s", goos)
}

// PowerShell accepts the typographic single quotes as delimiters too
var powershellQuotes = strings.NewReplacer(
	"'", "''",
	"\u2018", "\u2018\u2018",
	"\u2019", "\u2019\u2019",
	"\u201A", "\u201A\u201A",
	"\u201B", "\u201B\u201B",
)

// Quote quotes a single argument for the shell kind.
// All command lines built for a helper shell go through this function.
func Quote(kind ShellKind, s string) string {
	switch kind {
	case ShellPowerShell:
		// single-quoted strings are literal, embedded quote is doubled
		return "'" + powershellQuotes.Replace(s) + "'"
	default:
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
}

// CommandLine returns the quoted command line executing exe with args
func (s *Shell) CommandLine(exe string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, Quote(s.Kind, exe))
	for _, a := range args {
		parts = append(parts, Quote(s.Kind, a))
	}
	line := strings.Join(parts, " ")
	if s.Kind == ShellPowerShell {
		// call operator runs the quoted path
		return "& " + line
	}
	return line
}

// Wrap returns a copy of the request executed through the shell
func (s *Shell) Wrap(req *Request) *Request {
	wrapped := *req
	wrapped.ExecutablePath = s.Path
	wrapped.Args = append(slices.Clone(s.Args), s.CommandLine(req.ExecutablePath, req.Args))
	return &wrapped
}
