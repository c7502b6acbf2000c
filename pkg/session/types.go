package session

// Mode describes how the backend should behave for a generation: permission
// policy, model choice, prompt fragments and tool allow/deny lists.
type Mode struct {
	PermissionMode  string   `json:"permission_mode,omitempty"`
	Model           string   `json:"model,omitempty"`
	FallbackModel   string   `json:"fallback_model,omitempty"`
	SystemPrompt    []string `json:"system_prompt,omitempty"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`
}

// Equal reports structural equality of two modes. Mode-change detection must
// go through this, never through a serialized hash.
func (m Mode) Equal(other Mode) bool {
	return m.PermissionMode == other.PermissionMode &&
		m.Model == other.Model &&
		m.FallbackModel == other.FallbackModel &&
		equalStrings(m.SystemPrompt, other.SystemPrompt) &&
		equalStrings(m.AllowedTools, other.AllowedTools) &&
		equalStrings(m.DisallowedTools, other.DisallowedTools)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Session is one logical conversation against the backend. ID stays empty
// until the backend reports one.
type Session struct {
	ID          string            `json:"id,omitempty"`
	WorkingDir  string            `json:"working_dir"`
	LaunchFlags []string          `json:"launch_flags,omitempty"`
	Mode        Mode              `json:"mode"`
	Env         map[string]string `json:"env,omitempty"`
}

// PendingMessage is a user message deferred to the next generation because
// delivering it mid-stream would corrupt the ongoing one; either its mode
// differs from the generation's mode or it is explicitly isolated.
type PendingMessage struct {
	Text    string `json:"text"`
	Mode    Mode   `json:"mode"`
	Isolate bool   `json:"isolate,omitempty"`
}
