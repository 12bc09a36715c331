// Package mcp exposes pipeline runs to MCP clients.
//
// Tools: run_status reads one run, list_runs filters recent runs and approve
// records a reviewer decision on an approval gate. Text returned to clients
// passes through the secret redactor.
package mcp
