package mcp

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseCapabilities(t *testing.T) {
	raw := json.RawMessage(`{
		"protocolVersion": "2024-11-05",
		"serverInfo": {"name": "weather", "version": "2.1"},
		"instructions": "be nice",
		"capabilities": {
			"tools": {"listChanged": true},
			"resources": {"subscribe": true},
			"logging": {},
			"experimental": {"widgets": {"v": 1}}
		}
	}`)

	caps, err := ParseCapabilities(raw)
	if err != nil {
		t.Fatalf("ParseCapabilities: %v", err)
	}
	if caps.ServerName != "weather" || caps.ServerVersion != "2.1" || caps.Instructions != "be nice" {
		t.Errorf("server info = %+v", caps)
	}
	if !caps.Tools || !caps.ToolsListChanged {
		t.Error("tools capability not parsed")
	}
	if !caps.Resources || !caps.ResourcesSubscribe || caps.ResourcesListChanged {
		t.Errorf("resources = %v/%v/%v, want true/true/false", caps.Resources, caps.ResourcesSubscribe, caps.ResourcesListChanged)
	}
	if !caps.Logging {
		t.Error("empty logging object should count as supported")
	}
	if caps.Prompts || caps.Completions {
		t.Error("absent capabilities must default to unsupported")
	}
	if _, ok := caps.Experimental["widgets"]; !ok {
		t.Error("experimental capabilities dropped")
	}
}

func TestParseCapabilitiesMissing(t *testing.T) {
	for _, raw := range []string{``, `null`, `{}`, `{"capabilities":null}`} {
		caps, err := ParseCapabilities(json.RawMessage(raw))
		if err != nil {
			t.Fatalf("ParseCapabilities(%q): %v", raw, err)
		}
		if caps.Tools || caps.Resources || caps.Prompts || caps.Logging {
			t.Errorf("ParseCapabilities(%q) = %+v, want all unsupported", raw, caps)
		}
	}

	if _, err := ParseCapabilities(json.RawMessage(`[1,2]`)); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("err = %v, want ErrMalformedResponse", err)
	}
}

func TestParseToolList(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantNames  []string
		wantCursor string
	}{
		{"empty", `{"tools":[]}`, nil, ""},
		{"wrapped", `{"tools":[{"name":"a","inputSchema":{"type":"object"}},{"name":"b"}],"nextCursor":"p2"}`, []string{"a", "b"}, "p2"},
		{"bare array", `[{"name":"x"}]`, []string{"x"}, ""},
		{"unnamed skipped", `{"tools":[{"description":"no name"},{"name":"ok"}]}`, []string{"ok"}, ""},
		{"unrecognized", `{"something":"else"}`, nil, ""},
		{"scalar", `42`, nil, ""},
		{"null", `null`, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := ParseToolList(json.RawMessage(tt.raw))
			if page.Tools == nil {
				t.Fatal("Tools is nil, want empty slice")
			}
			if len(page.Tools) != len(tt.wantNames) {
				t.Fatalf("got %d tools, want %d", len(page.Tools), len(tt.wantNames))
			}
			for i, n := range tt.wantNames {
				if page.Tools[i].Name != n {
					t.Errorf("tool %d = %q, want %q", i, page.Tools[i].Name, n)
				}
			}
			if page.NextCursor != tt.wantCursor {
				t.Errorf("NextCursor = %q, want %q", page.NextCursor, tt.wantCursor)
			}
		})
	}
}

func TestParseToolResultContentKinds(t *testing.T) {
	raw := json.RawMessage(`{
		"content": [
			{"type": "text", "text": "hello"},
			{"type": "image", "data": "aGk=", "mimeType": "image/png"},
			{"type": "audio", "data": "not base64!", "mimeType": "audio/wav"},
			{"type": "resource_link", "uri": "file:///a.txt", "name": "a"},
			{"type": "resource", "resource": {"uri": "mem://x", "text": "embedded", "mimeType": "text/plain"}},
			{"type": "hologram", "depth": 3}
		],
		"structuredContent": {"temp": 21},
		"_meta": {"trace": "t1"},
		"isError": false
	}`)

	res := ParseToolResult(raw)
	if len(res.Content) != 6 {
		t.Fatalf("got %d content items, want 6", len(res.Content))
	}

	if c := res.Content[0]; c.Type != ContentText || c.Text != "hello" {
		t.Errorf("text item = %+v", c)
	}
	if c := res.Content[1]; c.Type != ContentImage || string(c.Data) != "hi" || c.MimeType != "image/png" {
		t.Errorf("image item = %+v", c)
	}
	if c := res.Content[2]; string(c.Data) != "not base64!" {
		t.Errorf("audio fallback data = %q", c.Data)
	}
	if c := res.Content[3]; c.Type != ContentResourceLink || c.URI != "file:///a.txt" {
		t.Errorf("resource link = %+v", c)
	}
	if c := res.Content[4]; c.Resource == nil || c.Resource.Text != "embedded" {
		t.Errorf("embedded resource = %+v", c)
	}
	if c := res.Content[5]; c.Type != "hologram" || len(c.Raw) == 0 {
		t.Errorf("unknown kind not kept raw: %+v", c)
	}
	if res.StructuredContent["temp"] != float64(21) {
		t.Errorf("StructuredContent = %v", res.StructuredContent)
	}
	if res.Meta["trace"] != "t1" {
		t.Errorf("Meta = %v", res.Meta)
	}

	want := "hello\n[image]\n[audio]\n[resource_link file:///a.txt]\nembedded\n[hologram]"
	if got := res.Text(); got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestParseToolResultShapes(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		count int
		isErr bool
	}{
		{"empty", `{"content":[],"isError":false}`, 0, false},
		{"bare array", `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, 2, false},
		{"single object", `{"content":{"type":"text","text":"a"}}`, 1, false},
		{"tool error flag", `{"content":[{"type":"text","text":"boom"}],"isError":true}`, 1, true},
		{"null", `null`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ParseToolResult(json.RawMessage(tt.raw))
			if len(res.Content) != tt.count || res.IsError != tt.isErr {
				t.Errorf("result = %d items, isError %v; want %d, %v", len(res.Content), res.IsError, tt.count, tt.isErr)
			}
		})
	}
}

func TestToolErrorResultKeepsData(t *testing.T) {
	data := `{"paymentRequirements":{"amount":"0.01","asset":"USDC"}}`
	res := toolErrorResult(&RPCError{Code: -32001, Message: "Payment required", Data: json.RawMessage(data)})
	if !res.IsError || res.ErrorCode != -32001 || res.ErrorMessage != "Payment required" {
		t.Errorf("result = %+v", res)
	}
	if string(res.ErrorData) != data {
		t.Errorf("ErrorData = %s, want %s", res.ErrorData, data)
	}
	if res.Text() != "Payment required" {
		t.Errorf("Text() = %q", res.Text())
	}
}

func TestParseResourceList(t *testing.T) {
	page := ParseResourceList(json.RawMessage(`{"resources":[{"uri":"file:///a","name":"a","mimeType":"text/plain","size":12},{"name":"no uri"}],"nextCursor":"n"}`))
	if len(page.Resources) != 1 {
		t.Fatalf("got %d resources, want 1", len(page.Resources))
	}
	r := page.Resources[0]
	if r.URI != "file:///a" || r.MimeType != "text/plain" || r.Size != 12 {
		t.Errorf("resource = %+v", r)
	}
	if page.NextCursor != "n" {
		t.Errorf("NextCursor = %q", page.NextCursor)
	}
}

func TestParseResource(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantText string
		wantBlob string
		wantURI  string
		wantMime string
	}{
		{"text", `{"contents":[{"uri":"ui://w","mimeType":"text/html","text":"<p>hi</p>"}]}`, "<p>hi</p>", "", "ui://w", "text/html"},
		{"blob", `{"contents":[{"blob":"aGVsbG8=","mimeType":"application/octet-stream"}]}`, "", "hello", "ui://req", "application/octet-stream"},
		{"bare array", `[{"text":"x"}]`, "x", "", "ui://req", ""},
		{"single object", `{"text":"solo","mimeType":"text/plain"}`, "solo", "", "ui://req", "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ParseResource("ui://req", json.RawMessage(tt.raw))
			if len(res.Contents) != 1 {
				t.Fatalf("got %d contents, want 1", len(res.Contents))
			}
			c := res.Contents[0]
			if res.Text() != tt.wantText || string(c.Blob) != tt.wantBlob {
				t.Errorf("contents = %+v", c)
			}
			if c.URI != tt.wantURI || res.MimeType() != tt.wantMime {
				t.Errorf("uri/mime = %q/%q, want %q/%q", c.URI, res.MimeType(), tt.wantURI, tt.wantMime)
			}
		})
	}

	if res := ParseResource("x://y", json.RawMessage(`{}`)); len(res.Contents) != 0 || res.URI != "x://y" {
		t.Errorf("empty resource = %+v", res)
	}
}

func TestDeviceContextParams(t *testing.T) {
	d := DeviceContext{Platform: "ios", Locale: "en-US", Viewport: &Viewport{Width: 390, Height: 844}}
	p := d.params(DisplayFullscreen)
	if p["displayMode"] != "fullscreen" || p["platform"] != "ios" || p["locale"] != "en-US" {
		t.Errorf("params = %v", p)
	}
	if _, ok := p["theme"]; ok {
		t.Error("empty theme should be omitted")
	}
	if got := (DeviceContext{}).params("")["displayMode"]; got != "inline" {
		t.Errorf("default displayMode = %v, want inline", got)
	}

	for uri, want := range map[string]bool{"ui://w": true, "UI://w": true, "file:///ui": false, "ui:/": false} {
		if isUIResource(uri) != want {
			t.Errorf("isUIResource(%q) = %v, want %v", uri, !want, want)
		}
	}
}
