// Package gemini builds invocations of the gemini command line tool.
package gemini

import (
	_ "embed"
	"os"
	"regexp"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/geminimcp/invoker"
	"github.com/effective-security/geminimcp/utils"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/geminimcp", "gemini")

// Defaults of the gemini CLI contract
const (
	DefaultCommand     = "gemini"
	DefaultModel       = "gemini-2.5-pro"
	DefaultModelFlag   = "-m"
	DefaultSandboxFlag = "-s"
	DefaultPromptFlag  = "-p"
	DefaultAPIKeyEnv   = "GEMINI_API_KEY"
)

//go:embed changemode.txt
var changeModeInstructions string

var fileRefRegex = regexp.MustCompile(`file:(\S+)`)

// Config describes the gemini CLI
type Config struct {
	Command      string            `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	DefaultModel string            `json:"default_model,omitempty" yaml:"default_model,omitempty" toml:"default_model,omitempty"`
	ModelFlag    string            `json:"model_flag,omitempty" yaml:"model_flag,omitempty" toml:"model_flag,omitempty"`
	SandboxFlag  string            `json:"sandbox_flag,omitempty" yaml:"sandbox_flag,omitempty" toml:"sandbox_flag,omitempty"`
	PromptFlag   string            `json:"prompt_flag,omitempty" yaml:"prompt_flag,omitempty" toml:"prompt_flag,omitempty"`
	APIKeyEnv    string            `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty" toml:"api_key_env,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	// StdinPrompt sends the prompt on stdin instead of the prompt flag
	StdinPrompt bool `json:"stdin_prompt,omitempty" yaml:"stdin_prompt,omitempty" toml:"stdin_prompt,omitempty"`
}

// Prompt is a single gemini request
type Prompt struct {
	Text       string
	Model      string
	Sandbox    bool
	ChangeMode bool
	// PowerShellPath runs the command through the PowerShell at this path
	PowerShellPath string
}

// Builder creates invoker requests for the gemini CLI
type Builder struct {
	cfg    Config
	shell  *invoker.Shell
	getenv func(string) string
}

// NewBuilder returns Builder, empty config values are set to defaults
func NewBuilder(cfg Config) *Builder {
	cfg.Command = values.StringsCoalesce(cfg.Command, DefaultCommand)
	cfg.DefaultModel = values.StringsCoalesce(cfg.DefaultModel, DefaultModel)
	cfg.ModelFlag = values.StringsCoalesce(cfg.ModelFlag, DefaultModelFlag)
	cfg.SandboxFlag = values.StringsCoalesce(cfg.SandboxFlag, DefaultSandboxFlag)
	cfg.PromptFlag = values.StringsCoalesce(cfg.PromptFlag, DefaultPromptFlag)
	cfg.APIKeyEnv = values.StringsCoalesce(cfg.APIKeyEnv, DefaultAPIKeyEnv)

	return &Builder{
		cfg:    cfg,
		getenv: os.Getenv,
	}
}

// WithShell runs every request through the shell, nil runs the command directly
func (b *Builder) WithShell(shell *invoker.Shell) *Builder {
	b.shell = shell
	return b
}

// WithGetenv replaces the environment lookup
func (b *Builder) WithGetenv(fn func(string) string) *Builder {
	b.getenv = fn
	return b
}

// Config returns the effective configuration
func (b *Builder) Config() Config {
	return b.cfg
}

// APIKeySet returns true if the API key is present in the environment
func (b *Builder) APIKeySet() bool {
	return b.getenv(b.cfg.APIKeyEnv) != ""
}

// Args returns the command line arguments for the prompt.
// The model flag is omitted for the default model.
func (b *Builder) Args(p *Prompt) []string {
	var args []string
	if p.Model != "" && p.Model != b.cfg.DefaultModel {
		args = append(args, b.cfg.ModelFlag, p.Model)
	}
	if p.Sandbox {
		args = append(args, b.cfg.SandboxFlag)
	}
	if !b.cfg.StdinPrompt {
		args = append(args, b.cfg.PromptFlag, b.PromptText(p))
	}
	return args
}

// PromptText returns the text sent to the CLI
func (b *Builder) PromptText(p *Prompt) string {
	if p.ChangeMode {
		return ChangeModePrompt(p.Text)
	}
	return p.Text
}

// Request returns the invocation for the prompt
func (b *Builder) Request(p *Prompt) (*invoker.Request, error) {
	if strings.TrimSpace(p.Text) == "" {
		return nil, errors.New("prompt is required")
	}

	overrides := map[string]string{}
	if key := b.getenv(b.cfg.APIKeyEnv); key != "" {
		overrides[b.cfg.APIKeyEnv] = key
	}

	req := &invoker.Request{
		ExecutablePath: b.cfg.Command,
		Args:           b.Args(p),
		EnvOverrides:   utils.MergeEnv(b.cfg.Env, overrides),
	}
	if b.cfg.StdinPrompt {
		text := b.PromptText(p)
		req.Stdin = &text
	}

	logger.KV(xlog.DEBUG,
		"command", req.ExecutablePath,
		"model", values.StringsCoalesce(p.Model, b.cfg.DefaultModel),
		"sandbox", p.Sandbox,
		"change_mode", p.ChangeMode,
		"api_key_set", len(overrides) > 0,
	)

	switch {
	case p.PowerShellPath != "":
		return invoker.PowerShell(p.PowerShellPath).Wrap(req), nil
	case b.shell != nil:
		return b.shell.Wrap(req), nil
	}
	return req, nil
}

// ChangeModePrompt rewrites file:<path> references to @<path>,
// and prepends the structured edit instructions.
func ChangeModePrompt(prompt string) string {
	return changeModeInstructions + "\n\n" + fileRefRegex.ReplaceAllString(prompt, "@$1")
}

// Methodologies lists the supported brainstorming frameworks
var Methodologies = []string{"divergent", "convergent", "scamper", "design-thinking", "lateral", "auto"}

// DefaultIdeaCount is the number of ideas requested when not specified
const DefaultIdeaCount = 12

// Brainstorm is the input of a brainstorming prompt
type Brainstorm struct {
	Prompt          string
	Methodology     string
	Domain          string
	Constraints     string
	ExistingContext string
	IdeaCount       int
	IncludeAnalysis bool
}

const brainstormText = `BRAINSTORMING SESSION

Challenge: {{ .Prompt | trim }}

{{ if and .Methodology (ne .Methodology "auto") }}Framework: Use {{ .Methodology }} methodology for idea generation.
{{ end }}{{ with .Domain }}Domain Context: {{ . }}
{{ end }}{{ with .Constraints }}Constraints: {{ . }}
{{ end }}{{ with .ExistingContext }}Background: {{ . }}
{{ end }}
Generate {{ .IdeaCount | default 12 }} creative and diverse ideas. {{ if .IncludeAnalysis }}For each idea, provide a brief feasibility assessment and potential impact.{{ end }}`

var brainstormTemplate = template.Must(template.New("brainstorm").Funcs(sprig.TxtFuncMap()).Parse(brainstormText))

// BrainstormPrompt expands the brainstorming request into a prompt
func BrainstormPrompt(b *Brainstorm) (string, error) {
	var sb strings.Builder
	if err := brainstormTemplate.Execute(&sb, b); err != nil {
		return "", errors.Wrap(err, "failed to build brainstorm prompt")
	}
	return sb.String(), nil
}
