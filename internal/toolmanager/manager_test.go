package toolmanager

import (
	"context"
	"testing"
	"time"

	"github.com/basilisklabs/toolmesh/internal/config"
)

const fakeToolServerScript = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  case "$line" in
    *'"method":"initialize"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"fake","version":"1"}}}\n' "$id"
      ;;
    *'"method":"tools/list"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"echo","description":"echoes text","inputSchema":{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}}]}}\n' "$id"
      ;;
    *'"method":"tools/call"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"content":"hi"}}\n' "$id"
      ;;
  esac
done
`

const failingToolServerScript = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  case "$line" in
    *'"method":"initialize"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"fake","version":"1"}}}\n' "$id"
      ;;
    *'"method":"tools/list"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"boom","description":"always fails"}]}}\n' "$id"
      ;;
    *'"method":"tools/call"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"content":"","isError":true}}\n' "$id"
      ;;
  esac
done
`

func testServerConfig(name, script string) config.ServerConfig {
	return config.ServerConfig{
		Name:    name,
		Command: "sh",
		Args:    []string{"-c", script},
		Timeout: 2 * time.Second,
	}
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MinConnections:         1,
		MaxConnections:         2,
		IdleTimeout:            time.Minute,
		ConnectionTimeout:      time.Second,
		HealthCheckInterval:    time.Hour,
		MaxHealthCheckFailures: 3,
	}
}

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:    2,
		BaseDelay:      5 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
		JitterFraction: 0.1,
	}
}

func TestRegisterServers_PopulatesRegistry(t *testing.T) {
	m := New(testPoolConfig(), testRetryConfig(), nil, nil)
	defer m.Shutdown()

	failures := m.RegisterServers(context.Background(), []config.ServerConfig{testServerConfig("srv", fakeToolServerScript)})
	if len(failures) != 0 {
		t.Fatalf("RegisterServers failures = %v, want none", failures)
	}

	if _, ok := m.Registry().GetToolDefinition("srv/echo"); !ok {
		t.Fatal("registry missing srv/echo after RegisterServers")
	}
}

func TestRegisterServers_OneFailureDoesNotFailBatch(t *testing.T) {
	m := New(testPoolConfig(), testRetryConfig(), nil, nil)
	defer m.Shutdown()

	bad := config.ServerConfig{Name: "bad", Command: "/nonexistent-toolmesh-binary", Timeout: 500 * time.Millisecond}
	good := testServerConfig("srv", fakeToolServerScript)

	failures := m.RegisterServers(context.Background(), []config.ServerConfig{bad, good})
	if _, ok := failures["bad"]; !ok {
		t.Error("expected a failure recorded for 'bad'")
	}
	if _, ok := failures["srv"]; ok {
		t.Error("'srv' should have registered successfully")
	}
	if _, ok := m.Registry().GetToolDefinition("srv/echo"); !ok {
		t.Error("registry missing srv/echo despite 'bad' failing")
	}
}

func TestExecuteTool_HappyPath(t *testing.T) {
	m := New(testPoolConfig(), testRetryConfig(), nil, nil)
	defer m.Shutdown()

	if failures := m.RegisterServers(context.Background(), []config.ServerConfig{testServerConfig("srv", fakeToolServerScript)}); len(failures) != 0 {
		t.Fatalf("RegisterServers: %v", failures)
	}

	result, err := m.ExecuteTool(context.Background(), ToolCall{ServerID: "srv", ToolID: "srv/echo", Arguments: map[string]any{"text": "hi"}})
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if !result.Success {
		t.Errorf("result.Success = false, want true; error = %q", result.Error)
	}
	if result.ToolID != "srv/echo" {
		t.Errorf("ToolID = %q, want srv/echo", result.ToolID)
	}

	entry, ok := m.Registry().GetEntry("srv/echo")
	if !ok {
		t.Fatal("GetEntry: not found")
	}
	if entry.UsageCount != 1 {
		t.Errorf("UsageCount = %d, want 1", entry.UsageCount)
	}
}

func TestExecuteTool_UnknownToolFails(t *testing.T) {
	m := New(testPoolConfig(), testRetryConfig(), nil, nil)
	defer m.Shutdown()

	if failures := m.RegisterServers(context.Background(), []config.ServerConfig{testServerConfig("srv", fakeToolServerScript)}); len(failures) != 0 {
		t.Fatalf("RegisterServers: %v", failures)
	}

	_, err := m.ExecuteTool(context.Background(), ToolCall{ServerID: "srv", ToolID: "srv/nope"})
	if err == nil {
		t.Fatal("ExecuteTool with unknown tool succeeded, want error")
	}
}

func TestExecuteTool_ServerMismatchFails(t *testing.T) {
	m := New(testPoolConfig(), testRetryConfig(), nil, nil)
	defer m.Shutdown()

	if failures := m.RegisterServers(context.Background(), []config.ServerConfig{testServerConfig("srv", fakeToolServerScript)}); len(failures) != 0 {
		t.Fatalf("RegisterServers: %v", failures)
	}

	_, err := m.ExecuteTool(context.Background(), ToolCall{ServerID: "other", ToolID: "srv/echo"})
	if err == nil {
		t.Fatal("ExecuteTool with mismatched serverId succeeded, want error")
	}
}

func TestExecuteTool_ToolReportedErrorIsNotGoError(t *testing.T) {
	m := New(testPoolConfig(), testRetryConfig(), nil, nil)
	defer m.Shutdown()

	if failures := m.RegisterServers(context.Background(), []config.ServerConfig{testServerConfig("srv", failingToolServerScript)}); len(failures) != 0 {
		t.Fatalf("RegisterServers: %v", failures)
	}

	result, err := m.ExecuteTool(context.Background(), ToolCall{ServerID: "srv", ToolID: "srv/boom"})
	if err != nil {
		t.Fatalf("ExecuteTool returned a Go error for a tool-reported failure: %v", err)
	}
	if result.Success {
		t.Error("result.Success = true, want false for a tool-reported error")
	}
}

func TestExecuteBatch_PreservesOrder(t *testing.T) {
	m := New(testPoolConfig(), testRetryConfig(), nil, nil)
	defer m.Shutdown()

	if failures := m.RegisterServers(context.Background(), []config.ServerConfig{testServerConfig("srv", fakeToolServerScript)}); len(failures) != 0 {
		t.Fatalf("RegisterServers: %v", failures)
	}

	calls := make([]ToolCall, 5)
	for i := range calls {
		calls[i] = ToolCall{ServerID: "srv", ToolID: "srv/echo", Arguments: map[string]any{"text": "hi"}}
	}

	results, err := m.ExecuteBatch(context.Background(), calls)
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if len(results) != len(calls) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(calls))
	}
	for i, r := range results {
		if !r.Success {
			t.Errorf("results[%d].Success = false, want true", i)
		}
	}
}

func TestServerStatusAndCircuitBreakerStatus(t *testing.T) {
	m := New(testPoolConfig(), testRetryConfig(), nil, nil)
	defer m.Shutdown()

	if failures := m.RegisterServers(context.Background(), []config.ServerConfig{testServerConfig("srv", fakeToolServerScript)}); len(failures) != 0 {
		t.Fatalf("RegisterServers: %v", failures)
	}

	status, err := m.ServerStatus("srv")
	if err != nil {
		t.Fatalf("ServerStatus: %v", err)
	}
	if status.ServerID != "srv" {
		t.Errorf("status.ServerID = %q, want srv", status.ServerID)
	}

	snap, err := m.CircuitBreakerStatus("srv")
	if err != nil {
		t.Fatalf("CircuitBreakerStatus: %v", err)
	}
	if snap.FailureCount != 0 {
		t.Errorf("FailureCount = %d, want 0", snap.FailureCount)
	}

	all := m.AllServerStatuses()
	if _, ok := all["srv"]; !ok {
		t.Error("AllServerStatuses missing 'srv'")
	}
}
