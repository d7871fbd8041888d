// Package mcp implements the JSON-RPC 2.0 tool-call server for Kokoro.
// It exposes the memory, item, and get_context tools plus read-only
// resources over stdio and HTTP transports.
package mcp

import (
	"encoding/json"
	"strings"
)

// MemoryArgs carries the parameters of one memory tool call. The
// operation selector picks the sub-operation; unrelated fields are
// ignored.
type MemoryArgs struct {
	// Operation is one of create, read, update, delete, search, stats,
	// check_routines.
	Operation string `json:"operation"`

	Key string `json:"key,omitempty"`

	// Write-path fields.
	Content            string   `json:"content,omitempty"`
	Importance         *float64 `json:"importance,omitempty"`
	EmotionType        string   `json:"emotion_type,omitempty"`
	EmotionIntensity   *float64 `json:"emotion_intensity,omitempty"`
	ContextTags        []string `json:"context_tags,omitempty"`
	PhysicalState      string   `json:"physical_state,omitempty"`
	MentalState        string   `json:"mental_state,omitempty"`
	Environment        string   `json:"environment,omitempty"`
	RelationshipStatus string   `json:"relationship_status,omitempty"`
	ActionTag          string   `json:"action_tag,omitempty"`
	RelatedKeys        []string `json:"related_keys,omitempty"`
	PrivacyLevel       string   `json:"privacy_level,omitempty"`

	// Search fields. Read accepts the key via Query as well.
	Query            string   `json:"query,omitempty"`
	Mode             string   `json:"mode,omitempty"`
	TopK             int      `json:"top_k,omitempty"`
	FuzzyMatch       bool     `json:"fuzzy_match,omitempty"`
	FuzzyThreshold   int      `json:"fuzzy_threshold,omitempty"`
	ImportanceWeight float64  `json:"importance_weight,omitempty"`
	RecencyWeight    float64  `json:"recency_weight,omitempty"`
	RelatedTo        string   `json:"related_to,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	TagMatchMode     string   `json:"tag_match_mode,omitempty"`
	DateRange        string   `json:"date_range,omitempty"`
	MinImportance    *float64 `json:"min_importance,omitempty"`
	Emotion          string   `json:"emotion,omitempty"`
	EquippedItem     string   `json:"equipped_item,omitempty"`
	Admin            bool     `json:"admin,omitempty"`

	// HorizonDays bounds check_routines (default 7).
	HorizonDays int `json:"horizon_days,omitempty"`

	// Format selects the reply shape: "text" (default) or "json".
	Format string `json:"format,omitempty"`
}

// UnmarshalJSON tolerates clients that send array fields as JSON-encoded
// strings ("[\"a\",\"b\"]") or comma-separated strings rather than proper
// arrays. Both forms are accepted for context_tags and tags.
func (a *MemoryArgs) UnmarshalJSON(data []byte) error {
	type Alias MemoryArgs
	aux := &struct {
		ContextTags json.RawMessage `json:"context_tags,omitempty"`
		Tags        json.RawMessage `json:"tags,omitempty"`
		*Alias
	}{Alias: (*Alias)(a)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	a.ContextTags = flexibleStringList(aux.ContextTags)
	a.Tags = flexibleStringList(aux.Tags)
	return nil
}

// flexibleStringList parses a JSON array, a JSON-encoded array string, or
// a comma-separated string into a string slice.
func flexibleStringList(raw json.RawMessage) []string {
	if raw == nil {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		_ = json.Unmarshal([]byte(s), &list)
		return list
	}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			list = append(list, t)
		}
	}
	return list
}

// ItemArgs carries the parameters of one item tool call.
type ItemArgs struct {
	// Operation is one of add, remove, equip, unequip, update, rename,
	// search, history, memories, stats.
	Operation string `json:"operation"`

	Name        string `json:"name,omitempty"`
	NewName     string `json:"new_name,omitempty"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
	Quantity    int    `json:"quantity,omitempty"`
	Slot        string `json:"slot,omitempty"`
	Query       string `json:"query,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Format      string `json:"format,omitempty"`
}

// GetContextArgs carries the (optional) parameters of a get_context call.
type GetContextArgs struct {
	Format string `json:"format,omitempty"`
}

// ToolError is a handled tool failure. Status carries the HTTP-equivalent
// class so transports can distinguish client (4xx) from server (5xx)
// errors.
type ToolError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string { return e.Message }

// ToolResult is the tagged tool reply: exactly one of Text, JSON, or Err
// is set. The transport layer formats it for the wire.
type ToolResult struct {
	Text string
	JSON any
	Err  *ToolError
}

func textResult(text string) *ToolResult { return &ToolResult{Text: text} }

func jsonResult(v any) *ToolResult { return &ToolResult{JSON: v} }

func errorResult(status int, message string) *ToolResult {
	return &ToolResult{Err: &ToolError{Status: status, Message: message}}
}

// JSONRPCRequest is a JSON-RPC 2.0 request envelope.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response envelope.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
	ID      any           `json:"id"`
}

// JSONRPCError is a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
	ErrCodeServerError    = -32000
)

// InitializeResult is the response to the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
}

// ServerInfo identifies this server to clients.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities describes what the server supports.
type ServerCapabilities struct {
	Tools     *struct{} `json:"tools,omitempty"`
	Resources *struct{} `json:"resources,omitempty"`
}

// Tool describes one tool for tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolsListResult is the tools/list response.
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// ToolCallParams is the tools/call request body.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallContent is one content block of a tools/call reply.
type ToolCallContent struct {
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

// ToolCallResult is the tools/call response envelope.
type ToolCallResult struct {
	Content []ToolCallContent `json:"content"`
	IsError bool              `json:"isError,omitempty"`
}

// Resource describes one resource for resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourcesListResult is the resources/list response.
type ResourcesListResult struct {
	Resources []Resource `json:"resources"`
}

// ResourceReadParams is the resources/read request body.
type ResourceReadParams struct {
	URI string `json:"uri"`
}

// ResourceContent is one content block of a resources/read reply.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

// ResourceReadResult is the resources/read response envelope.
type ResourceReadResult struct {
	Contents []ResourceContent `json:"contents"`
}
