package dispatcher

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/invopop/jsonschema"
)

// ChunkIndex is a 1-based chunk number, accepted as JSON number or numeric string
type ChunkIndex int

// UnmarshalJSON accepts 2, 2.0 and "2"
func (c *ChunkIndex) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*c = 0
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return errors.Errorf("chunkIndex must be an integer: %s", string(data))
	}
	*c = ChunkIndex(int(f))
	return nil
}

// MarshalJSON returns the index as number
func (c ChunkIndex) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(c))
}

// JSONSchema describes the accepted types
func (ChunkIndex) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Description: "Which chunk to return (1-based index)",
		AnyOf: []*jsonschema.Schema{
			{Type: "integer", Minimum: json.Number("1")},
			{Type: "string", Pattern: "^[0-9]+$"},
		},
	}
}

// AskRequest is the input of ask-gemini
type AskRequest struct {
	Prompt         string     `json:"prompt" validate:"required" jsonschema:"minLength=1,description=Analysis request. Use @ syntax to include files (e.g. '@largefile.js explain what this does') or ask general questions"`
	Model          string     `json:"model,omitempty" jsonschema:"description=Optional model to use (e.g. 'gemini-2.5-flash'). If not specified uses the default model (gemini-2.5-pro)."`
	Sandbox        bool       `json:"sandbox,omitempty" jsonschema:"default=false,description=Use sandbox mode (-s flag) to safely test code changes or run potentially risky operations in an isolated environment"`
	ChangeMode     bool       `json:"changeMode,omitempty" jsonschema:"default=false,description=Enable structured change mode: formats the prompt for edit suggestions and returns large responses in chunks"`
	ChunkIndex     ChunkIndex `json:"chunkIndex,omitempty"`
	ChunkCacheKey  string     `json:"chunkCacheKey,omitempty" jsonschema:"description=Optional cache key for continuation"`
	PowerShellPath string     `json:"powershellPath,omitempty" jsonschema:"description=Optional PowerShell executable path to run the CLI through (e.g. 'pwsh')"`
}

// Continuation returns true if the request fetches a cached chunk
func (r *AskRequest) Continuation() bool {
	return r.ChunkCacheKey != "" && r.ChunkIndex != 0
}

// BrainstormRequest is the input of brainstorm
type BrainstormRequest struct {
	Prompt          string `json:"prompt" validate:"required" jsonschema:"minLength=1,description=Primary brainstorming challenge or question to explore"`
	Model           string `json:"model,omitempty" jsonschema:"description=Optional model to use (e.g. 'gemini-2.5-flash'). If not specified uses the default model (gemini-2.5-pro)."`
	Methodology     string `json:"methodology,omitempty" validate:"omitempty,oneof=divergent convergent scamper design-thinking lateral auto" jsonschema:"enum=divergent,enum=convergent,enum=scamper,enum=design-thinking,enum=lateral,enum=auto,default=auto,description=Brainstorming framework"`
	Domain          string `json:"domain,omitempty" jsonschema:"description=Domain context for specialized brainstorming (e.g. 'software' or 'marketing')"`
	Constraints     string `json:"constraints,omitempty" jsonschema:"description=Known limitations or requirements (budget or time or legal)"`
	ExistingContext string `json:"existingContext,omitempty" jsonschema:"description=Background information or previous attempts to build upon"`
	IdeaCount       int    `json:"ideaCount,omitempty" validate:"omitempty,gt=0" jsonschema:"exclusiveMinimum=0,default=12,description=Target number of ideas to generate"`
	IncludeAnalysis *bool  `json:"includeAnalysis,omitempty" jsonschema:"default=true,description=Include feasibility and impact analysis for generated ideas"`
	PowerShellPath  string `json:"powershellPath,omitempty" jsonschema:"description=Optional PowerShell executable path to run the CLI through (e.g. 'pwsh')"`
}

// FetchChunkRequest is the input of fetch-chunk
type FetchChunkRequest struct {
	CacheKey   string      `json:"cacheKey" validate:"required" jsonschema:"description=The cache key provided in the initial changeMode response"`
	ChunkIndex *ChunkIndex `json:"chunkIndex" validate:"required"`
}

// PingRequest is the input of ping
type PingRequest struct {
	Prompt string `json:"prompt,omitempty" jsonschema:"description=Message to echo"`
}

// HelpRequest is the input of Help
type HelpRequest struct{}

// TimeoutTestRequest is the input of timeout-test
type TimeoutTestRequest struct {
	Duration *float64 `json:"duration" validate:"required" jsonschema:"minimum=10,description=Duration in milliseconds (minimum 10ms)"`
}
