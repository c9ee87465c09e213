package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// delegate-task: guides the client through picking and running an agent.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("delegate-task",
			mcplib.WithPromptDescription("Pick the right agent for a task and run it"),
			mcplib.WithArgument("task",
				mcplib.ArgumentDescription("What needs to be done, in plain language"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleDelegateTaskPrompt,
	)

	// morning-brief: runs the nightly pipeline and reads the brief.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("morning-brief",
			mcplib.WithPromptDescription("Produce today's executive morning brief"),
		),
		s.handleMorningBriefPrompt,
	)
}

func (s *Server) handleDelegateTaskPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	task := request.Params.Arguments["task"]
	if task == "" {
		return nil, fmt.Errorf("task argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Delegate a task to a yakuin agent",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Delegate this task to the best-suited agent:

%s

1. CALL yakuin_list_agents with status="active" (then "deployed") and read
   each agent's role and tools.

2. PICK the agent whose role covers the task. If the task needs documents,
   prefer an agent with file_search and call yakuin_search with its name
   to confirm it can see relevant material.

3. CALL yakuin_run_agent with the agent's name and a prompt that states the
   task, the expected output and any constraints. Pass structured inputs
   as the context argument (a JSON object), not inside the prompt.

4. REPORT the agent's content. If the status is "failed", report the error
   instead of retrying more than once.`, task),
				},
			},
		},
	}, nil
}

func (s *Server) handleMorningBriefPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Run the executive pipeline and present the morning brief",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `Produce today's morning brief.

1. CALL yakuin_nightly. It runs the CFO, COO and CTO agents and then the
   CEO agent, which synthesizes their reports.

2. READ the result. Each agent is "completed", "failed" or "skipped".
   If ceo_artifact is set, the brief is the artifact of the CEO execution.

3. PRESENT the brief. Call out any agent that failed or was skipped, since
   its section of the brief is built from an older report or a placeholder.`,
				},
			},
		},
	}, nil
}
