// Package hostview connects a remote webview shell to a bridge over WebSocket.
// The shell renders the content, relays script evaluation and presents the
// native permission and file dialogs.
package hostview

// Frame ops, host to view.
const (
	OpLoad               = "load"
	OpEvaluate           = "evaluate"
	OpNotice             = "notice"
	OpSystemPrompt       = "systemPrompt"
	OpPermissionResolved = "permissionResolved"
	OpPickFile           = "pickFile"
	OpFileChosen         = "fileChosen"
	OpClose              = "close"
)

// Frame ops, view to host.
const (
	OpCallNative         = "callNative"
	OpEvaluateResult     = "evaluateResult"
	OpPermissionRequest  = "permissionRequest"
	OpSystemPromptResult = "systemPromptResult"
	OpFileChooser        = "fileChooser"
	OpFilePicked         = "filePicked"
)

// Frame is the single wire shape; unused fields are omitted. A fileChosen
// frame without uris means nothing was selected.
type Frame struct {
	Op         string   `json:"op"`
	ID         string   `json:"id,omitempty"`
	URL        string   `json:"url,omitempty"`
	Script     string   `json:"script,omitempty"`
	Result     string   `json:"result,omitempty"`
	Error      string   `json:"error,omitempty"`
	Text       string   `json:"text,omitempty"`
	Message    string   `json:"message,omitempty"`
	Capability string   `json:"capability,omitempty"`
	Granted    *bool    `json:"granted,omitempty"`
	Resources  []string `json:"resources,omitempty"`
	Accept     []string `json:"accept,omitempty"`
	Multiple   bool     `json:"multiple,omitempty"`
	URIs       []string `json:"uris,omitempty"`
}

func boolPtr(b bool) *bool { return &b }
