package skill

// Skill sources.
const (
	SourceBuiltin = "builtin"
	SourcePlugin  = "plugin"
	SourceMCP     = "mcp"
)

// Skill is a capability a worker's tool_refs can name.
// Skills carry prompt fragments and tool bindings that extend a worker's behavior.
type Skill struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	PromptFragment string   `json:"prompt_fragment"`
	ToolNames      []string `json:"tool_names"`
	Source         string   `json:"source"`
}
