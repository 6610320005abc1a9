package skill

// RegisterBuiltins adds the default built-in skills to the manager.
func RegisterBuiltins(mgr *Manager) {
	builtins := []*Skill{
		{
			ID:          "code_execution",
			Name:        "code_execution",
			Description: "Run short programs inside the sandbox",
			PromptFragment: "You can run code with the run_code tool. Use it to check that a snippet " +
				"actually works before you hand it over. The sandbox has no network and no " +
				"subprocesses, and only sees its own scratch directory.",
			ToolNames: []string{"run_code"},
			Source:    SourceBuiltin,
		},
		{
			ID:          "web_search",
			Name:        "web_search",
			Description: "Search the web for current information",
			PromptFragment: "You can search the web for library documentation and current information. " +
				"Use it when the task depends on an API or a version you are unsure about.",
			ToolNames: []string{"mcp:web-search:search"},
			Source:    SourceBuiltin,
		},
		{
			ID:          "long_term_recall",
			Name:        "long_term_recall",
			Description: "Look up facts remembered from earlier runs",
			PromptFragment: "Decisions from earlier runs are kept in long-term memory, keyed by task id. " +
				"Use recall_fact with a key such as design_task before you contradict an earlier decision.",
			ToolNames: []string{"recall_fact"},
			Source:    SourceBuiltin,
		},
	}
	for _, s := range builtins {
		mgr.Add(s)
	}
}
