package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/mcpwire/internal/mcp"
)

// connect builds a client and initializes server, returning the
// client, the resolved URL, and the server's capabilities. The caller
// closes the client.
func (e *env) connect(ctx context.Context, server string) (*mcp.Client, string, *mcp.Capabilities, error) {
	serverURL, err := e.serverURL(server)
	if err != nil {
		return nil, "", nil, err
	}
	c := e.newClient(nil, nil)
	caps, err := c.Initialize(ctx, serverURL)
	if err != nil {
		c.Close()
		return nil, "", nil, err
	}
	return c, serverURL, caps, nil
}

// initOutput is the JSON shape of the init command.
type initOutput struct {
	URL             string   `json:"url"`
	ServerName      string   `json:"server_name"`
	ServerVersion   string   `json:"server_version"`
	ProtocolVersion string   `json:"protocol_version"`
	Mode            string   `json:"mode"`
	SessionID       string   `json:"session_id,omitempty"`
	Capabilities    []string `json:"capabilities"`
	Instructions    string   `json:"instructions,omitempty"`
}

func (e *env) runInit(ctx context.Context, server string) error {
	c, serverURL, caps, err := e.connect(ctx, server)
	if err != nil {
		return err
	}
	defer c.Close()

	out := initOutput{
		URL:             serverURL,
		ServerName:      caps.ServerName,
		ServerVersion:   caps.ServerVersion,
		ProtocolVersion: caps.ProtocolVersion,
		Mode:            mcp.ModeDirect.String(),
		Capabilities:    capabilityNames(caps),
		Instructions:    caps.Instructions,
	}
	if sess, ok := c.Session(serverURL); ok {
		out.Mode = sess.Mode.String()
		out.SessionID = sess.ID
	} else if c.StreamState(serverURL) == mcp.StreamActive {
		out.Mode = mcp.ModeStream.String()
	}

	if e.outputFmt == "json" {
		return e.writeJSON(out)
	}
	fmt.Fprintf(e.stdout, "server:       %s %s\n", out.ServerName, out.ServerVersion)
	fmt.Fprintf(e.stdout, "protocol:     %s\n", out.ProtocolVersion)
	fmt.Fprintf(e.stdout, "mode:         %s\n", out.Mode)
	if out.SessionID != "" {
		fmt.Fprintf(e.stdout, "session:      %s\n", out.SessionID)
	}
	fmt.Fprintf(e.stdout, "capabilities: %s\n", strings.Join(out.Capabilities, ", "))
	if out.Instructions != "" {
		fmt.Fprintf(e.stdout, "instructions: %s\n", out.Instructions)
	}
	return nil
}

// capabilityNames lists the supported capabilities in a stable order.
func capabilityNames(caps *mcp.Capabilities) []string {
	names := []string{}
	for _, c := range []struct {
		name string
		on   bool
	}{
		{"tools", caps.Tools},
		{"resources", caps.Resources},
		{"prompts", caps.Prompts},
		{"logging", caps.Logging},
		{"completions", caps.Completions},
	} {
		if c.on {
			names = append(names, c.name)
		}
	}
	return names
}

func (e *env) runTools(ctx context.Context, server string) error {
	c, serverURL, _, err := e.connect(ctx, server)
	if err != nil {
		return err
	}
	defer c.Close()

	tools, err := c.ListTools(ctx, serverURL)
	if err != nil {
		return err
	}

	if e.outputFmt == "json" {
		return e.writeJSON(tools)
	}
	for _, t := range tools {
		fmt.Fprintf(e.stdout, "%-32s %s\n", t.Name, firstLine(t.Description))
	}
	return nil
}

// catalogOutput is the JSON shape of one catalog entry.
type catalogOutput struct {
	Name        string         `json:"name"`
	Server      string         `json:"server"`
	Tool        string         `json:"tool"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// buildCatalog catalogs every configured server with c. Servers that
// fail are logged and left out; an error is returned only when nothing
// could be cataloged.
func (e *env) buildCatalog(ctx context.Context, c *mcp.Client) (*mcp.Catalog, error) {
	if len(e.cfg.Servers) == 0 {
		return nil, errors.New("no servers configured")
	}

	sources := make([]mcp.CatalogSource, len(e.cfg.Servers))
	for i, s := range e.cfg.Servers {
		sources[i] = mcp.CatalogSource{
			Name:    s.Name,
			URL:     s.URL,
			Include: s.IncludeTools,
			Exclude: s.ExcludeTools,
		}
	}

	cat, err := mcp.BuildCatalog(ctx, c, sources, e.logger)
	if err != nil {
		if len(cat.Entries) == 0 {
			return nil, err
		}
		e.logger.Warn("some servers could not be cataloged", "error", err)
	}
	return cat, nil
}

func (e *env) runCatalog(ctx context.Context) error {
	c := e.newClient(nil, nil)
	defer c.Close()

	cat, err := e.buildCatalog(ctx, c)
	if err != nil {
		return err
	}

	if e.outputFmt == "json" {
		out := make([]catalogOutput, len(cat.Entries))
		for i, en := range cat.Entries {
			out[i] = catalogOutput{
				Name:        en.Name,
				Server:      en.Server,
				Tool:        en.Tool.Name,
				Description: en.Tool.Description,
				InputSchema: en.Tool.InputSchema,
			}
		}
		return e.writeJSON(out)
	}
	for _, en := range cat.Entries {
		fmt.Fprintf(e.stdout, "%-40s %s\n", en.Name, firstLine(en.Tool.Description))
	}
	return nil
}

// runCall handles both "call <server> <tool> [json]" and
// "call <mcp_name> [json]".
func (e *env) runCall(ctx context.Context, args []string) error {
	if _, err := e.serverURL(args[0]); err != nil && strings.HasPrefix(args[0], "mcp_") {
		if len(args) > 2 {
			return fmt.Errorf("usage: mcpwire call <mcp_name> [json]")
		}
		return e.runCatalogCall(ctx, args[0], args[1:])
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: mcpwire call <server> <tool> [json]")
	}

	toolArgs, err := parseToolArgs(args[2:])
	if err != nil {
		return err
	}

	c, serverURL, _, err := e.connect(ctx, args[0])
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.CallTool(ctx, serverURL, args[1], toolArgs, nil)
	if err != nil {
		return err
	}
	return e.printToolResult(args[1], res)
}

func (e *env) runCatalogCall(ctx context.Context, name string, rest []string) error {
	toolArgs, err := parseToolArgs(rest)
	if err != nil {
		return err
	}

	c := e.newClient(nil, nil)
	defer c.Close()

	cat, err := e.buildCatalog(ctx, c)
	if err != nil {
		return err
	}
	entry, ok := cat.Lookup(name)
	if !ok {
		return fmt.Errorf("no cataloged tool named %q", name)
	}

	res, err := c.CallTool(ctx, entry.ServerURL, entry.Tool.Name, toolArgs, nil)
	if err != nil {
		return err
	}
	return e.printToolResult(name, res)
}

// parseToolArgs decodes the optional JSON object argument.
func parseToolArgs(rest []string) (map[string]any, error) {
	if len(rest) == 0 {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(rest[0]), &args); err != nil {
		return nil, fmt.Errorf("tool arguments must be a JSON object: %w", err)
	}
	return args, nil
}

// toolResultOutput is the JSON shape of a tool call result.
type toolResultOutput struct {
	Text              string          `json:"text"`
	IsError           bool            `json:"isError"`
	StructuredContent map[string]any  `json:"structuredContent,omitempty"`
	ErrorCode         int             `json:"errorCode,omitempty"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`
	ErrorData         json.RawMessage `json:"errorData,omitempty"`
	Content           int             `json:"contentItems"`
}

func (e *env) printToolResult(name string, res *mcp.ToolResult) error {
	if e.outputFmt == "json" {
		if err := e.writeJSON(toolResultOutput{
			Text:              res.Text(),
			IsError:           res.IsError,
			StructuredContent: res.StructuredContent,
			ErrorCode:         res.ErrorCode,
			ErrorMessage:      res.ErrorMessage,
			ErrorData:         res.ErrorData,
			Content:           len(res.Content),
		}); err != nil {
			return err
		}
	} else {
		if text := res.Text(); text != "" {
			fmt.Fprintln(e.stdout, text)
		}
		if len(res.ErrorData) > 0 {
			fmt.Fprintf(e.stdout, "error data: %s\n", res.ErrorData)
		}
	}
	if res.IsError {
		return fmt.Errorf("%s: %w", name, errToolFailed)
	}
	return nil
}

func (e *env) runResources(ctx context.Context, server string) error {
	c, serverURL, _, err := e.connect(ctx, server)
	if err != nil {
		return err
	}
	defer c.Close()

	resources, err := c.ListResources(ctx, serverURL)
	if err != nil {
		return err
	}

	if e.outputFmt == "json" {
		return e.writeJSON(resources)
	}
	for _, r := range resources {
		fmt.Fprintf(e.stdout, "%-40s %-24s %s\n", r.URI, r.MimeType, r.Name)
	}
	return nil
}

// resourceOutput is the JSON shape of one read resource part.
type resourceOutput struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
}

func (e *env) runRead(ctx context.Context, server, uri string, mode mcp.DisplayMode) error {
	c, serverURL, _, err := e.connect(ctx, server)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.ReadResource(ctx, serverURL, uri, mode)
	if err != nil {
		return err
	}

	if e.outputFmt == "json" {
		out := make([]resourceOutput, len(res.Contents))
		for i, rc := range res.Contents {
			out[i] = resourceOutput{URI: rc.URI, MimeType: rc.MimeType, Text: rc.Text, Blob: rc.Blob}
		}
		return e.writeJSON(out)
	}
	for _, rc := range res.Contents {
		if rc.Text != "" {
			fmt.Fprintln(e.stdout, rc.Text)
			continue
		}
		fmt.Fprintf(e.stdout, "[%d bytes %s]\n", len(rc.Blob), rc.MimeType)
	}
	return nil
}

func (e *env) runPing(ctx context.Context, server string) error {
	c, serverURL, _, err := e.connect(ctx, server)
	if err != nil {
		return err
	}
	defer c.Close()

	start := time.Now()
	if err := c.Ping(ctx, serverURL); err != nil {
		return err
	}
	rtt := time.Since(start)

	if e.outputFmt == "json" {
		return e.writeJSON(map[string]any{
			"url":    serverURL,
			"ok":     true,
			"rtt_ms": rtt.Milliseconds(),
		})
	}
	fmt.Fprintf(e.stdout, "%s: ok (%s)\n", serverURL, rtt.Round(time.Millisecond))
	return nil
}

// firstLine returns the first line of s.
func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
