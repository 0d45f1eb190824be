package mcp

import (
	"encoding/json"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewTextResult creates a CallToolResult with text content
func NewTextResult(text string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{
		Content: []mcp_sdk.Content{
			&mcp_sdk.TextContent{Text: text},
		},
	}
}

// NewErrorResult creates a CallToolResult indicating an error
func NewErrorResult(msg string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{
		IsError: true,
		Content: []mcp_sdk.Content{
			&mcp_sdk.TextContent{Text: msg},
		},
	}
}

// ResultText returns the first text content of a result, or ""
func ResultText(r *mcp_sdk.CallToolResult) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(*mcp_sdk.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// DecodeResult unmarshals the JSON text content of r into v
func DecodeResult(r *mcp_sdk.CallToolResult, v any) error {
	return json.Unmarshal([]byte(ResultText(r)), v)
}
