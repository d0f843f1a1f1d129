package mcp

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Capabilities is what a server reported from initialize. A capability
// absent from the response is false.
type Capabilities struct {
	ProtocolVersion string
	ServerName      string
	ServerVersion   string
	Instructions    string

	Tools                bool
	ToolsListChanged     bool
	Resources            bool
	ResourcesSubscribe   bool
	ResourcesListChanged bool
	Prompts              bool
	PromptsListChanged   bool
	Logging              bool
	Completions          bool

	// Experimental holds the server's experimental capabilities as sent.
	Experimental map[string]json.RawMessage
}

// ToolDescriptor is one tool from tools/list.
type ToolDescriptor struct {
	Name         string         `json:"name"`
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
	Annotations  map[string]any `json:"annotations,omitempty"`
	Meta         map[string]any `json:"_meta,omitempty"`
}

// ToolPage is one page of tools/list.
type ToolPage struct {
	Tools      []ToolDescriptor
	NextCursor string
}

// ContentType is the kind of a tool result content item.
type ContentType string

// Content kinds defined by MCP. Unknown kinds are kept with their raw
// JSON.
const (
	ContentText         ContentType = "text"
	ContentImage        ContentType = "image"
	ContentAudio        ContentType = "audio"
	ContentResourceLink ContentType = "resource_link"
	ContentResource     ContentType = "resource"
)

// ContentItem is a single content block of a tool result.
type ContentItem struct {
	Type ContentType
	Text string
	// Data is the decoded payload of image and audio items.
	Data     []byte
	MimeType string

	// URI, Name, Title and Description describe resource links.
	URI         string
	Name        string
	Title       string
	Description string

	// Resource is the embedded resource of a "resource" item.
	Resource *ResourceContents

	Annotations map[string]any
	Meta        map[string]any

	// Raw is the item exactly as received.
	Raw json.RawMessage
}

// ToolResult is the outcome of tools/call. A JSON-RPC error from the
// server is reported here with IsError set rather than as a Go error.
type ToolResult struct {
	Content           []ContentItem
	StructuredContent map[string]any
	Meta              map[string]any
	IsError           bool

	// ErrorCode, ErrorMessage and ErrorData are set when the server
	// answered with a JSON-RPC error. ErrorData is the error's data
	// member, byte for byte.
	ErrorCode    int
	ErrorMessage string
	ErrorData    json.RawMessage
}

// Text joins the text content of the result. Non-text items are
// represented as inline markers.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	var parts []string
	for _, c := range r.Content {
		switch c.Type {
		case ContentText:
			parts = append(parts, c.Text)
		case ContentResourceLink:
			parts = append(parts, fmt.Sprintf("[resource_link %s]", c.URI))
		case ContentResource:
			if c.Resource != nil && c.Resource.Text != "" {
				parts = append(parts, c.Resource.Text)
			} else {
				parts = append(parts, "[resource]")
			}
		default:
			parts = append(parts, fmt.Sprintf("[%s]", c.Type))
		}
	}
	if len(parts) == 0 && r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	return strings.Join(parts, "\n")
}

// ResourceDescriptor is one resource from resources/list.
type ResourceDescriptor struct {
	URI         string         `json:"uri"`
	Name        string         `json:"name,omitempty"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	MimeType    string         `json:"mimeType,omitempty"`
	Size        int64          `json:"size,omitempty"`
	Annotations map[string]any `json:"annotations,omitempty"`
	Meta        map[string]any `json:"_meta,omitempty"`
}

// ResourcePage is one page of resources/list.
type ResourcePage struct {
	Resources  []ResourceDescriptor
	NextCursor string
}

// ResourceContents is one entry of resources/read. Exactly one of Text
// and Blob is normally set.
type ResourceContents struct {
	URI      string
	MimeType string
	Text     string
	Blob     []byte
	Meta     map[string]any
}

// Resource is the outcome of resources/read.
type Resource struct {
	URI      string
	Contents []ResourceContents
	Meta     map[string]any
}

// MimeType returns the MIME type of the first content entry.
func (r *Resource) MimeType() string {
	if r == nil || len(r.Contents) == 0 {
		return ""
	}
	return r.Contents[0].MimeType
}

// Text returns the first text content entry.
func (r *Resource) Text() string {
	if r == nil {
		return ""
	}
	for _, c := range r.Contents {
		if c.Text != "" {
			return c.Text
		}
	}
	return ""
}

// ParseCapabilities decodes an initialize result.
func ParseCapabilities(raw json.RawMessage) (*Capabilities, error) {
	caps := &Capabilities{}
	if isNull(raw) {
		return caps, nil
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
		Instructions string                     `json:"instructions"`
		Capabilities map[string]json.RawMessage `json:"capabilities"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: initialize result: %v", ErrMalformedResponse, err)
	}

	caps.ProtocolVersion = result.ProtocolVersion
	caps.ServerName = result.ServerInfo.Name
	caps.ServerVersion = result.ServerInfo.Version
	caps.Instructions = result.Instructions

	c := result.Capabilities
	caps.Tools, caps.ToolsListChanged = capability(c["tools"], "listChanged")
	caps.Resources, caps.ResourcesListChanged = capability(c["resources"], "listChanged")
	_, caps.ResourcesSubscribe = capability(c["resources"], "subscribe")
	caps.Prompts, caps.PromptsListChanged = capability(c["prompts"], "listChanged")
	caps.Logging, _ = capability(c["logging"], "")
	caps.Completions, _ = capability(c["completions"], "")

	if exp := c["experimental"]; !isNull(exp) {
		var m map[string]json.RawMessage
		if json.Unmarshal(exp, &m) == nil {
			caps.Experimental = m
		}
	}
	return caps, nil
}

// capability reports whether a capability object is present and, if
// flag is set, whether that boolean sub-flag is true.
func capability(raw json.RawMessage, flag string) (present, enabled bool) {
	if isNull(raw) {
		return false, false
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("false")) {
		return false, false
	}
	if flag == "" {
		return true, false
	}
	var sub map[string]any
	if json.Unmarshal(raw, &sub) != nil {
		return true, false
	}
	b, _ := sub[flag].(bool)
	return true, b
}

// ParseToolList decodes a tools/list result. Both {"tools": [...]} and a
// bare array are accepted; an unrecognized shape yields an empty page.
// Entries without a name are skipped.
func ParseToolList(raw json.RawMessage) ToolPage {
	items, cursor := listItems(raw, "tools")
	page := ToolPage{NextCursor: cursor, Tools: make([]ToolDescriptor, 0, len(items))}
	for _, item := range items {
		var t ToolDescriptor
		if err := json.Unmarshal(item, &t); err != nil || t.Name == "" {
			continue
		}
		page.Tools = append(page.Tools, t)
	}
	return page
}

// ParseResourceList decodes a resources/list result with the same
// tolerance as ParseToolList.
func ParseResourceList(raw json.RawMessage) ResourcePage {
	items, cursor := listItems(raw, "resources")
	page := ResourcePage{NextCursor: cursor, Resources: make([]ResourceDescriptor, 0, len(items))}
	for _, item := range items {
		var r ResourceDescriptor
		if err := json.Unmarshal(item, &r); err != nil || r.URI == "" {
			continue
		}
		page.Resources = append(page.Resources, r)
	}
	return page
}

// listItems extracts the elements of a paged list result.
func listItems(raw json.RawMessage, key string) ([]json.RawMessage, string) {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return nil, ""
	}
	if raw[0] == '[' {
		var items []json.RawMessage
		if json.Unmarshal(raw, &items) != nil {
			return nil, ""
		}
		return items, ""
	}

	var wrapped map[string]json.RawMessage
	if json.Unmarshal(raw, &wrapped) != nil {
		return nil, ""
	}
	var items []json.RawMessage
	if json.Unmarshal(wrapped[key], &items) != nil {
		items = nil
	}
	var cursor string
	if c, ok := wrapped["nextCursor"]; ok {
		_ = json.Unmarshal(c, &cursor)
	}
	return items, cursor
}

// ParseToolResult decodes a tools/call result. Content may be wrapped
// in {"content": [...]} or sent as a bare array.
func ParseToolResult(raw json.RawMessage) *ToolResult {
	res := &ToolResult{Content: []ContentItem{}}
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return res
	}

	if raw[0] == '[' {
		res.Content = parseContentList(raw)
		return res
	}

	var wire struct {
		Content           json.RawMessage `json:"content"`
		StructuredContent map[string]any  `json:"structuredContent"`
		Meta              map[string]any  `json:"_meta"`
		IsError           bool            `json:"isError"`
	}
	if json.Unmarshal(raw, &wire) != nil {
		return res
	}
	res.Content = parseContentList(wire.Content)
	res.StructuredContent = wire.StructuredContent
	res.Meta = wire.Meta
	res.IsError = wire.IsError
	return res
}

// toolErrorResult converts a JSON-RPC error answer to tools/call.
func toolErrorResult(e *RPCError) *ToolResult {
	res := &ToolResult{
		IsError:      true,
		ErrorCode:    e.Code,
		ErrorMessage: e.Message,
		ErrorData:    e.Data,
		Content:      []ContentItem{},
	}
	if e.Message != "" {
		res.Content = append(res.Content, ContentItem{Type: ContentText, Text: e.Message})
	}
	return res
}

func parseContentList(raw json.RawMessage) []ContentItem {
	out := []ContentItem{}
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return out
	}
	// A single object instead of an array is accepted as one item.
	if raw[0] == '{' {
		raw = append(append([]byte{'['}, raw...), ']')
	}
	var items []json.RawMessage
	if json.Unmarshal(raw, &items) != nil {
		return out
	}
	for _, item := range items {
		if c, ok := parseContent(item); ok {
			out = append(out, c)
		}
	}
	return out
}

func parseContent(raw json.RawMessage) (ContentItem, bool) {
	var w struct {
		Type        string          `json:"type"`
		Text        string          `json:"text"`
		Data        string          `json:"data"`
		MimeType    string          `json:"mimeType"`
		URI         string          `json:"uri"`
		Name        string          `json:"name"`
		Title       string          `json:"title"`
		Description string          `json:"description"`
		Resource    json.RawMessage `json:"resource"`
		Annotations map[string]any  `json:"annotations"`
		Meta        map[string]any  `json:"_meta"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return ContentItem{}, false
	}

	c := ContentItem{
		Type:        ContentType(w.Type),
		Text:        w.Text,
		MimeType:    w.MimeType,
		URI:         w.URI,
		Name:        w.Name,
		Title:       w.Title,
		Description: w.Description,
		Annotations: w.Annotations,
		Meta:        w.Meta,
		Raw:         append(json.RawMessage(nil), raw...),
	}
	if c.Type == "" && w.Text != "" {
		c.Type = ContentText
	}
	if w.Data != "" {
		c.Data = decodeBlob(w.Data)
	}
	if !isNull(w.Resource) {
		if rc, ok := parseResourceContents(w.Resource); ok {
			c.Resource = &rc
		}
	}
	return c, true
}

// ParseResource decodes a resources/read result for uri. The result
// may be {"contents": [...]}, a bare array, or a single contents
// object.
func ParseResource(uri string, raw json.RawMessage) *Resource {
	res := &Resource{URI: uri, Contents: []ResourceContents{}}
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return res
	}

	var list json.RawMessage
	switch raw[0] {
	case '[':
		list = raw
	case '{':
		var wrapped struct {
			Contents json.RawMessage `json:"contents"`
			Meta     map[string]any  `json:"_meta"`
		}
		if json.Unmarshal(raw, &wrapped) != nil {
			return res
		}
		res.Meta = wrapped.Meta
		if isNull(wrapped.Contents) {
			if rc, ok := parseResourceContents(raw); ok && (rc.Text != "" || rc.Blob != nil) {
				if rc.URI == "" {
					rc.URI = uri
				}
				res.Contents = append(res.Contents, rc)
			}
			return res
		}
		list = wrapped.Contents
	default:
		return res
	}

	var items []json.RawMessage
	if json.Unmarshal(list, &items) != nil {
		return res
	}
	for _, item := range items {
		if rc, ok := parseResourceContents(item); ok {
			if rc.URI == "" {
				rc.URI = uri
			}
			res.Contents = append(res.Contents, rc)
		}
	}
	return res
}

func parseResourceContents(raw json.RawMessage) (ResourceContents, bool) {
	var w struct {
		URI      string         `json:"uri"`
		MimeType string         `json:"mimeType"`
		Text     string         `json:"text"`
		Blob     string         `json:"blob"`
		Meta     map[string]any `json:"_meta"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return ResourceContents{}, false
	}
	rc := ResourceContents{URI: w.URI, MimeType: w.MimeType, Text: w.Text, Meta: w.Meta}
	if w.Blob != "" {
		rc.Blob = decodeBlob(w.Blob)
	}
	return rc, true
}

// decodeBlob decodes base64 with or without padding. Data that is not
// base64 is returned as its raw bytes.
func decodeBlob(s string) []byte {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b
	}
	return []byte(s)
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
