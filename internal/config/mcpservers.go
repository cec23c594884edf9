package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// Transport names the connection mechanism for a tool server. The value is
// validated, but [server.Client] always spawns a stdio child process;
// "http" is accepted and not acted on.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportHTTP
}

// ServerConfig is the resolved, validated description of a single tool
// server, produced from one entry of the mcpServers wire file. It is the
// stable identifier (Name) and connection recipe shared by every core
// subsystem — [server.Client], [pool.Pool], [toolmanager.Manager].
type ServerConfig struct {
	// Name is the unique, stable identifier for this server across all
	// subsystems.
	Name string

	Command    string
	Args       []string
	Env        map[string]string
	Transport  Transport
	Timeout    time.Duration
	MaxRetries int
}

// mcpServerFile is the on-disk JSON shape described by spec.md §6:
//
//	{ "mcpServers": {
//	    "<name>": { "command": string, "args"?: [string], "env"?: {string:string},
//	                "transport"?: "stdio"|"http", "disabled"?: bool,
//	                "timeout"?: int_ms, "maxRetries"?: int } } }
type mcpServerFile struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

type mcpServerEntry struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Transport  Transport         `json:"transport,omitempty"`
	Disabled   bool              `json:"disabled,omitempty"`
	TimeoutMs  int               `json:"timeout,omitempty"`
	MaxRetries int               `json:"maxRetries,omitempty"`
}

// LoadMCPServers reads the mcpServers JSON file at path and returns the
// effective list of enabled [ServerConfig] entries. Disabled entries are
// omitted, per spec.md §6.
func LoadMCPServers(path string) ([]ServerConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()
	return ParseMCPServers(f)
}

// ParseMCPServers decodes and validates the mcpServers JSON shape from r.
// Validation rules, per spec.md §6: name and command are required, transport
// must be "stdio" or "http" when present, and timeout must be ≥ 1000ms when
// present. Entries are returned sorted by name for deterministic iteration.
func ParseMCPServers(r io.Reader) ([]ServerConfig, error) {
	var file mcpServerFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("config: decode mcpServers json: %w", err)
	}

	names := make([]string, 0, len(file.MCPServers))
	for name := range file.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	configs := make([]ServerConfig, 0, len(names))
	for _, name := range names {
		entry := file.MCPServers[name]
		if entry.Disabled {
			continue
		}
		if name == "" {
			return nil, fmt.Errorf("config: mcpServers entry has an empty name")
		}
		if entry.Command == "" {
			return nil, fmt.Errorf("config: mcpServers[%s].command is required", name)
		}

		transport := entry.Transport
		if transport == "" {
			transport = TransportStdio
		}
		if !transport.IsValid() {
			return nil, fmt.Errorf("config: mcpServers[%s].transport %q is invalid; valid values: stdio, http", name, transport)
		}

		timeout := time.Duration(entry.TimeoutMs) * time.Millisecond
		if entry.TimeoutMs != 0 && timeout < time.Second {
			return nil, fmt.Errorf("config: mcpServers[%s].timeout must be >= 1000ms", name)
		}
		if timeout == 0 {
			timeout = 30 * time.Second
		}

		configs = append(configs, ServerConfig{
			Name:       name,
			Command:    entry.Command,
			Args:       entry.Args,
			Env:        entry.Env,
			Transport:  transport,
			Timeout:    timeout,
			MaxRetries: entry.MaxRetries,
		})
	}

	return configs, nil
}
