package mcp

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// ContentType is the type of a content item
type ContentType string

const (
	// ContentTypeText is plain text content
	ContentTypeText ContentType = "text"
)

// TextContent is a text content item
type TextContent struct {
	Text string `json:"text"`
}

// Content is a single item of a tool response
type Content struct {
	Type        ContentType
	TextContent *TextContent
}

// MarshalJSON flattens the content into the wire shape {"type":"text","text":"..."}
func (c *Content) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case ContentTypeText:
		if c.TextContent == nil {
			return nil, errors.New("text content is missing")
		}
		return json.Marshal(struct {
			Type ContentType `json:"type"`
			Text string      `json:"text"`
		}{Type: c.Type, Text: c.TextContent.Text})
	}
	return nil, errors.Errorf("unsupported content type: %q", c.Type)
}

// UnmarshalJSON parses the wire shape
func (c *Content) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type ContentType `json:"type"`
		Text *string     `json:"text"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "failed to unmarshal content")
	}
	if raw.Type != ContentTypeText || raw.Text == nil {
		return errors.Errorf("unsupported content type: %q", raw.Type)
	}
	c.Type = raw.Type
	c.TextContent = &TextContent{Text: *raw.Text}
	return nil
}

// NewTextContent returns a text content item
func NewTextContent(text string) *Content {
	return &Content{
		Type:        ContentTypeText,
		TextContent: &TextContent{Text: text},
	}
}

// ToolResponse is the result of a tool call
type ToolResponse struct {
	Content []*Content `json:"content"`
	IsError bool       `json:"isError,omitempty"`
}

// NewToolResponse returns a successful response with the content
func NewToolResponse(content ...*Content) *ToolResponse {
	if content == nil {
		content = []*Content{}
	}
	return &ToolResponse{Content: content}
}

// NewErrorResponse returns an error-flagged response with the message
func NewErrorResponse(message string) *ToolResponse {
	return &ToolResponse{
		Content: []*Content{NewTextContent(message)},
		IsError: true,
	}
}

// Text returns the concatenated text of the response
func (r *ToolResponse) Text() string {
	var s string
	for _, c := range r.Content {
		if c.TextContent != nil {
			s += c.TextContent.Text
		}
	}
	return s
}

// ToolRetType describes a tool in tools/list
type ToolRetType struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	InputSchema any     `json:"inputSchema"`
}

// ToolsResponse is the result of tools/list
type ToolsResponse struct {
	Tools      []ToolRetType `json:"tools"`
	NextCursor *string       `json:"nextCursor,omitempty"`
}

// Implementation describes the name and version of an MCP implementation
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolsCapability is present if the server offers tools
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities are the capabilities advertised on initialize
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// InitializeResponse is the result of initialize
type InitializeResponse struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    *string            `json:"instructions,omitempty"`
}
