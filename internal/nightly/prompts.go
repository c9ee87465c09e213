package nightly

import "fmt"

// Role agents and the synthesis agent, by spec name.
const (
	CFOAgent = "cfo-agent"
	COOAgent = "coo-agent"
	CTOAgent = "cto-agent"
	CEOAgent = "ceo-agent"
)

// Role is one department run of the pipeline.
type Role struct {
	Key         string
	Agent       string
	Prompt      string
	Placeholder string
}

// Roles run in this order before synthesis.
var Roles = []Role{
	{
		Key:         "cfo",
		Agent:       CFOAgent,
		Prompt:      "Analyze available financial data. Flag anomalies, unusual patterns, or concerns. Cite all sources. Be specific.",
		Placeholder: "No CFO report available.",
	},
	{
		Key:         "coo",
		Agent:       COOAgent,
		Prompt:      "Review operational data. Generate a checklist of active items, identify bottlenecks, and suggest process improvements. Be specific.",
		Placeholder: "No COO report available.",
	},
	{
		Key:         "cto",
		Agent:       CTOAgent,
		Prompt:      "Review system activity and logs. Suggest technical improvements, flag any issues, and recommend builds for the next day. Be specific.",
		Placeholder: "No CTO report available.",
	},
}

// ScheduledPrompt is sent to agents started by their own cron schedule.
const ScheduledPrompt = "Run your scheduled review. Report anything that changed since your last run and cite all sources."

// MorningBriefPrompt returns the synthesis prompt for date (YYYY-MM-DD). The
// department reports travel as the run's additional context.
func MorningBriefPrompt(date string) string {
	return fmt.Sprintf(`Synthesize the department reports in the additional context (keys cfo, coo, cto) into a unified Morning Brief for %[1]s.

## OUTPUT FORMAT
# Morning Brief — %[1]s

## Executive Summary
(3-5 sentences synthesizing all reports)

## Key Decisions Needed
(Bulleted list of items requiring human decision)

## Today's Priorities
(Ordered list, highest impact first)

## Risk Flags
(Any concerns or anomalies flagged by department heads)

## Department Summaries
(Brief 2-3 sentence summary per department)`, date)
}
