package engine

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/yakuin/internal/model"
)

const defaultRole = "You are an AI assistant."

// BuildSystemPrompt renders the system message for a run from the spec, the
// agent's memory window, and the names of the tools it may call.
func BuildSystemPrompt(spec model.AgentSpec, memory string, tools []string) string {
	role := strings.TrimSpace(spec.RoleDefinition)
	if role == "" {
		role = defaultRole
	}

	var b strings.Builder
	b.WriteString(role)
	b.WriteString("\n\n## RULES\n")
	b.WriteString("- When citing internal data, use format: [file_id:chunk_id]\n")
	b.WriteString("- If you cannot find relevant internal data, say: \"Insufficient internal data for this query.\"\n")
	fmt.Fprintf(&b, "- Stay within your defined capabilities: %s\n", strings.Join(spec.Capabilities, ", "))
	b.WriteString("- Be concise, actionable, and cite your sources\n")
	fmt.Fprintf(&b, "- Use at most %d tool calls in this run; the daily budget is $%.2f\n",
		spec.Guardrails.MaxToolCallsPerRun, spec.Guardrails.BudgetUSDPerDay)

	b.WriteString("\n## CAPABILITIES\n")
	for _, c := range spec.Capabilities {
		fmt.Fprintf(&b, "- %s\n", c)
	}

	b.WriteString("\n## AVAILABLE TOOLS\n")
	if len(tools) == 0 {
		b.WriteString("- No tools available\n")
	}
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s\n", t)
	}

	b.WriteString("\n## MEMORY (Previous Context)\n")
	if memory == "" {
		b.WriteString("No prior memory.\n")
	} else {
		b.WriteString(memory)
		b.WriteString("\n")
	}

	b.WriteString(`
## OUTPUT FORMAT
Provide your analysis as a structured markdown document with:
1. Executive Summary (2-3 sentences)
2. Key Findings
3. Recommendations
4. Sources (cite file_id:chunk_id where applicable)`)

	return b.String()
}

// runMemory is the memory entry appended after a completed run.
func runMemory(prompt string, toolCalls int) string {
	excerpt := prompt
	if r := []rune(prompt); len(r) > 100 {
		excerpt = string(r[:100])
	}
	return fmt.Sprintf("Ran with prompt: '%s'. Generated artifact. Used %d tool calls.", excerpt, toolCalls)
}
