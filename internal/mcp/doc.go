// Package mcp serves a project's audit and remediation status over the Model
// Context Protocol (github.com/modelcontextprotocol/go-sdk/mcp) on stdio.
//
// Tools:
//
//	audit           scan the project and return a redacted report
//	session_status  read the project's remediation session
//	tool_search     discover tools by name, description or keyword
//
// Reports carry masked previews only. The server never starts or drives a
// remediation session; that stays with the interactive CLI.
package mcp
