package bridge

import (
	"context"
	"encoding/json"
)

// Typed wrappers over Send for the automation commands the app understands.
// Each uses the bridge's default request timeout; callers that need a custom
// timeout use Send directly.

// Ping checks that the app's UI layer is answering.
func (b *Bridge) Ping(ctx context.Context) error {
	_, err := b.Send(ctx, "ping", nil, 0)
	return err
}

// GetDOM returns the serialized DOM of the main window.
func (b *Bridge) GetDOM(ctx context.Context) (json.RawMessage, error) {
	return b.Send(ctx, "get_dom", nil, 0)
}

// Evaluate runs a JavaScript snippet in the main window and returns its result.
func (b *Bridge) Evaluate(ctx context.Context, code string) (json.RawMessage, error) {
	return b.Send(ctx, "evaluate", map[string]string{"code": code}, 0)
}

// ScreenshotOptions control screenshot capture.
type ScreenshotOptions struct {
	Format  string `json:"format,omitempty"`
	Quality int    `json:"quality,omitempty"`
}

// Screenshot captures the main window. The returned data carries the image
// base64-encoded.
func (b *Bridge) Screenshot(ctx context.Context, opts ScreenshotOptions) (json.RawMessage, error) {
	return b.Send(ctx, "screenshot", opts, 0)
}

// Click clicks at window coordinates. Button is "left", "right", or "middle";
// empty means left.
func (b *Bridge) Click(ctx context.Context, x, y int, button string) error {
	if button == "" {
		button = "left"
	}
	_, err := b.Send(ctx, "click", map[string]interface{}{
		"x":      x,
		"y":      y,
		"button": button,
	}, 0)
	return err
}

// TypeIntoElement types text into the element matching a CSS selector.
func (b *Bridge) TypeIntoElement(ctx context.Context, selector, text string) error {
	_, err := b.Send(ctx, "type_into_element", map[string]string{
		"selector": selector,
		"text":     text,
	}, 0)
	return err
}

// ManageWindow performs a window action: "show", "hide", "focus",
// "maximize", "minimize", or "restore".
func (b *Bridge) ManageWindow(ctx context.Context, action string) error {
	_, err := b.Send(ctx, "manage_window", map[string]string{"action": action}, 0)
	return err
}
