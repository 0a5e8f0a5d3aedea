// Package format renders session state for the messaging surface.
//
// StatusMessage produces the single evolving status message for a
// conversation, and Mrkdwn converts the agent's markdown output into Slack's
// mrkdwn dialect by walking the goldmark AST. Matrix accepts the same output
// unmodified since its clients tolerate the overlap between the dialects.
package format
