// Package registry implements ToolRegistry: the serverId/toolName-keyed
// catalogue of tool definitions and usage statistics, plus the
// prompt-catalog renderer.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basilisklabs/toolmesh/internal/protocol"
)

// Key builds the registry's compound key: serverId + "/" + name.
func Key(serverID, name string) string {
	return serverID + "/" + name
}

// Definition is a registered tool's identity and schema.
type Definition struct {
	ServerID     string
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
}

// Entry is one registry row: a definition plus usage statistics.
type Entry struct {
	Definition           Definition
	LastUsed             *time.Time
	UsageCount           int64
	AverageExecutionTime *time.Duration
}

// Registry is the serverId/name-keyed tool catalogue.
//
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// RegisterTool adds or replaces def's entry. Re-registering a tool that
// already exists preserves usageCount, lastUsed, and averageExecutionTime —
// only the definition fields are overwritten.
func (r *Registry) RegisterTool(def Definition) {
	key := Key(def.ServerID, def.Name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[key]; ok {
		existing.Definition = def
		return
	}
	r.entries[key] = &Entry{Definition: def}
}

// RegisterFromToolList registers every tool protocol.Tool advertises for
// serverID, a convenience wrapper around RegisterTool used by ToolManager
// after a tools/list call.
func (r *Registry) RegisterFromToolList(serverID string, tools []protocol.Tool) {
	for _, t := range tools {
		r.RegisterTool(Definition{
			ServerID:    serverID,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
}

// GetToolDefinition looks up a tool by its full key (serverId/name).
func (r *Registry) GetToolDefinition(key string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return Definition{}, false
	}
	return e.Definition, true
}

// GetEntry looks up a full entry (definition plus usage stats) by key.
func (r *Registry) GetEntry(key string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// GetAllTools returns every registered entry, sorted by key for
// deterministic iteration.
func (r *Registry) GetAllTools() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, *r.entries[k])
	}
	return out
}

// GetToolsForServer returns every entry registered under serverID, sorted
// by tool name.
func (r *Registry) GetToolsForServer(serverID string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0)
	for _, e := range r.entries {
		if e.Definition.ServerID == serverID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Definition.Name < out[j].Definition.Name })
	return out
}

// RemoveServerTools removes every entry registered under serverID.
func (r *Registry) RemoveServerTools(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.entries {
		if e.Definition.ServerID == serverID {
			delete(r.entries, k)
		}
	}
}

// Clear removes every entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Entry)
}

// UpdateToolUsage increments usageCount, sets lastUsed to now, and updates
// averageExecutionTime as a running two-sample mean: the first sample sets
// it directly; every subsequent sample averages with the prior value. This
// is a deliberate design choice over a rolling percentile window — it is
// cheap, bounded, and sufficient for prompt-catalog display purposes.
func (r *Registry) UpdateToolUsage(key string, executionTime time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return fmt.Errorf("registry: unknown tool %q", key)
	}

	now := time.Now()
	e.UsageCount++
	e.LastUsed = &now

	if e.AverageExecutionTime == nil {
		avg := executionTime
		e.AverageExecutionTime = &avg
	} else {
		avg := (*e.AverageExecutionTime + executionTime) / 2
		e.AverageExecutionTime = &avg
	}
	return nil
}

// GeneratePromptCatalog renders every registered tool as a prompt-ready
// catalog string: each tool named "serverId_toolName", a description line,
// and a usage template synthesised from inputSchema.properties/required.
func (r *Registry) GeneratePromptCatalog() string {
	entries := r.GetAllTools()
	if len(entries) == 0 {
		return ""
	}

	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		name := fmt.Sprintf("%s_%s", e.Definition.ServerID, e.Definition.Name)
		fmt.Fprintf(&b, "## %s\n%s\n%s", name, e.Definition.Description, usageTemplate(name, e.Definition.InputSchema))
	}
	return b.String()
}

type schemaShape struct {
	Properties map[string]struct {
		Type string `json:"type"`
	} `json:"properties"`
	Required []string `json:"required"`
}

// usageTemplate synthesises a tag-form invocation example from the tool's
// raw inputSchema. Properties are listed in name order and optional ones are
// marked with "?", e.g. for a schema requiring only "path":
//
//	<tool_name>{"limit?": "<integer>", "path": "<string>"}</tool_name>
func usageTemplate(name string, rawSchema json.RawMessage) string {
	if len(rawSchema) == 0 {
		return fmt.Sprintf("<%s>{}</%s>", name, name)
	}

	var shape schemaShape
	if err := json.Unmarshal(rawSchema, &shape); err != nil || len(shape.Properties) == 0 {
		return fmt.Sprintf("<%s>{}</%s>", name, name)
	}

	required := make(map[string]bool, len(shape.Required))
	for _, r := range shape.Required {
		required[r] = true
	}

	propNames := make([]string, 0, len(shape.Properties))
	for p := range shape.Properties {
		propNames = append(propNames, p)
	}
	sort.Strings(propNames)

	var fields []string
	for _, p := range propNames {
		typ := shape.Properties[p].Type
		if typ == "" {
			typ = "any"
		}
		marker := ""
		if !required[p] {
			marker = "?"
		}
		fields = append(fields, fmt.Sprintf(`"%s%s": "<%s>"`, p, marker, typ))
	}

	return fmt.Sprintf("<%s>{%s}</%s>", name, strings.Join(fields, ", "), name)
}
