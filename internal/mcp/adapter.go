// Package mcp reconciles provider CLIs to carry exactly one MCP server
// entry pointing at the orchestrator's own endpoint.
package mcp

import (
	"regexp"
	"strings"

	deverrors "github.com/devchain/devchain/internal/errors"
)

// Alias is the MCP server name registered into every provider.
const Alias = "devchain"

// ServerEntry is one parsed row of a provider's MCP list output.
type ServerEntry struct {
	Alias     string
	Endpoint  string
	Transport string
}

// Adapter abstracts one provider CLI's MCP subcommands.
type Adapter interface {
	AddArgs(alias, endpoint string) []string
	ListArgs() []string
	RemoveArgs(alias string) []string
	ParseList(output string) []ServerEntry
}

// AdapterFor resolves the adapter for a provider by case-insensitive
// name.
func AdapterFor(providerName string) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(providerName)) {
	case "claude":
		return claudeAdapter{}, nil
	case "codex":
		return codexAdapter{}, nil
	case "gemini":
		return geminiAdapter{}, nil
	}
	return nil, deverrors.Newf(deverrors.CodeProviderNotFound, "no MCP adapter for provider %q", providerName)
}

// claudeListRe matches "alias: endpoint (transport)" rows.
var claudeListRe = regexp.MustCompile(`^(\S+):\s+(\S+)\s+\(([^)]+)\)`)

type claudeAdapter struct{}

func (claudeAdapter) AddArgs(alias, endpoint string) []string {
	return []string{"mcp", "add", "--transport", "http", alias, endpoint}
}

func (claudeAdapter) ListArgs() []string { return []string{"mcp", "list"} }

func (claudeAdapter) RemoveArgs(alias string) []string { return []string{"mcp", "remove", alias} }

func (claudeAdapter) ParseList(output string) []ServerEntry {
	var out []ServerEntry
	for _, line := range strings.Split(output, "\n") {
		m := claudeListRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		out = append(out, ServerEntry{Alias: m[1], Endpoint: m[2], Transport: m[3]})
	}
	return out
}

type codexAdapter struct{}

func (codexAdapter) AddArgs(alias, endpoint string) []string {
	return []string{"mcp", "add", "--url", endpoint, alias}
}

func (codexAdapter) ListArgs() []string { return []string{"mcp", "list"} }

func (codexAdapter) RemoveArgs(alias string) []string { return []string{"mcp", "remove", alias} }

// ParseList skips the header row and reads whitespace-separated
// alias/endpoint columns.
func (codexAdapter) ParseList(output string) []ServerEntry {
	lines := strings.Split(output, "\n")
	var out []ServerEntry
	for i, line := range lines {
		if i == 0 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		out = append(out, ServerEntry{Alias: fields[0], Endpoint: fields[1]})
	}
	return out
}

type geminiAdapter struct{}

func (geminiAdapter) AddArgs(alias, endpoint string) []string {
	return []string{"mcp", "add", "--transport", "http", alias, endpoint}
}

func (geminiAdapter) ListArgs() []string { return []string{"mcp", "list"} }

func (geminiAdapter) RemoveArgs(alias string) []string { return []string{"mcp", "remove", alias} }

func (geminiAdapter) ParseList(output string) []ServerEntry {
	return claudeAdapter{}.ParseList(output)
}
