package session

import (
	"fmt"
	"strings"
)

// maxPromptLength bounds the rendered initial prompt; anything longer
// falls back to the minimal default so a runaway template cannot flood
// the provider's line editor.
const maxPromptLength = 4000

// RenderPrompt substitutes {agent_name}, {project_name}, and
// {epic_title} into the project's initial session prompt. An empty or
// oversized result yields the minimal default.
func RenderPrompt(template string, vars map[string]string, sessionID, agentName string) string {
	rendered := strings.TrimSpace(template)
	for key, value := range vars {
		rendered = strings.ReplaceAll(rendered, "{"+key+"}", value)
	}
	if rendered == "" || len(rendered) > maxPromptLength {
		return fmt.Sprintf("Session %s started for %s", sessionID, agentName)
	}
	return rendered
}
