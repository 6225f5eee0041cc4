package contracts

const (
	// MessageTypeRender updates the browser with rendered markdown HTML.
	MessageTypeRender = "render"
	// MessageTypeError shows a render-failure notice in the browser.
	MessageTypeError = "error"
)

// RenderMessage carries rendered HTML and its version to the browser.
// One message per artifact, sent in full.
type RenderMessage struct {
	Type    string `json:"type"`
	Version uint64 `json:"version"`
	HTML    string `json:"html"`
}

// ErrorMessage carries a human-readable render failure to the browser.
// Only sent when no good artifact exists yet to fall back on.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
