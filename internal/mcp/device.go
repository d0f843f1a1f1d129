package mcp

import "strings"

// uiScheme marks resources that render as embedded UI. Reads of these
// carry a description of the display they will be shown on.
const uiScheme = "ui://"

// DisplayMode is how a UI resource will be presented.
type DisplayMode string

// Display modes understood by UI resource servers.
const (
	DisplayInline     DisplayMode = "inline"
	DisplayFullscreen DisplayMode = "fullscreen"
	DisplayPiP        DisplayMode = "pip"
)

// Viewport is the drawable area in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DeviceContext describes the device a UI resource will render on.
type DeviceContext struct {
	Platform  string    `json:"platform,omitempty"`
	Locale    string    `json:"locale,omitempty"`
	Theme     string    `json:"theme,omitempty"`
	TimeZone  string    `json:"timeZone,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	Viewport  *Viewport `json:"viewport,omitempty"`
}

// params builds the context object attached to a UI resource read.
func (d DeviceContext) params(mode DisplayMode) map[string]any {
	if mode == "" {
		mode = DisplayInline
	}
	ctx := map[string]any{"displayMode": string(mode)}
	if d.Platform != "" {
		ctx["platform"] = d.Platform
	}
	if d.Locale != "" {
		ctx["locale"] = d.Locale
	}
	if d.Theme != "" {
		ctx["theme"] = d.Theme
	}
	if d.TimeZone != "" {
		ctx["timeZone"] = d.TimeZone
	}
	if d.UserAgent != "" {
		ctx["userAgent"] = d.UserAgent
	}
	if d.Viewport != nil {
		ctx["viewport"] = map[string]any{
			"width":  d.Viewport.Width,
			"height": d.Viewport.Height,
		}
	}
	return ctx
}

// isUIResource reports whether uri uses the ui:// scheme.
func isUIResource(uri string) bool {
	return len(uri) >= len(uiScheme) && strings.EqualFold(uri[:len(uiScheme)], uiScheme)
}
