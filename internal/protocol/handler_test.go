package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/basilisklabs/toolmesh/internal/jsonrpc"
	"github.com/basilisklabs/toolmesh/internal/transport"
)

// fakeServer reads one line-framed request from reqR and writes a
// line-framed success response with the given result back on respW,
// echoing the request's id.
func fakeServer(t *testing.T, reqR io.Reader, respW io.Writer, result string) {
	t.Helper()
	go func() {
		line, err := bufio.NewReader(reqR).ReadString('\n')
		if err != nil {
			return
		}
		var req jsonrpc.Message
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &req); err != nil {
			return
		}
		fmt.Fprintf(respW, `{"jsonrpc":"2.0","id":%v,"result":%s}`+"\n", req.ID, result)
	}()
}

func TestSendRequest_RoundTrip(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	tr := transport.New(transport.FramingLine, reqW, respR, nil)
	h := New(ClientInfo{Name: "toolmesh", Version: "test"}, nil)
	if err := h.Start(context.Background(), tr); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	fakeServer(t, reqR, respW, `{"tools":[{"name":"echo","description":"d","inputSchema":{}}]}`)

	var result listToolsResult
	if err := h.SendRequest(context.Background(), "tools/list", struct{}{}, time.Second, &result); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
		t.Errorf("result = %+v, want one tool named echo", result)
	}
}

func TestSendRequest_TimesOut(t *testing.T) {
	hostIn, _ := io.Pipe()
	hostOut := io.Discard

	tr := transport.New(transport.FramingLine, hostOut, hostIn, nil)
	h := New(ClientInfo{Name: "toolmesh", Version: "test"}, nil)
	if err := h.Start(context.Background(), tr); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	var result any
	start := time.Now()
	err := h.SendRequest(context.Background(), "tools/list", struct{}{}, 20*time.Millisecond, &result)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("SendRequest took %s, want close to the 20ms timeout", elapsed)
	}
}

func TestSendRequest_ZeroTimeoutFailsImmediately(t *testing.T) {
	hostIn, _ := io.Pipe()
	_, hostOut := io.Pipe()

	tr := transport.New(transport.FramingLine, hostOut, hostIn, nil)
	h := New(ClientInfo{Name: "toolmesh", Version: "test"}, nil)
	if err := h.Start(context.Background(), tr); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	var result any
	start := time.Now()
	err := h.SendRequest(context.Background(), "tools/list", struct{}{}, 0, &result)
	if err == nil {
		t.Fatal("expected immediate failure for 0 timeout, got nil")
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("SendRequest with 0 timeout took %s, want immediate", elapsed)
	}
}

func TestSendRequest_CancelledContext(t *testing.T) {
	hostIn, _ := io.Pipe()
	hostOut := io.Discard

	tr := transport.New(transport.FramingLine, hostOut, hostIn, nil)
	h := New(ClientInfo{Name: "toolmesh", Version: "test"}, nil)
	if err := h.Start(context.Background(), tr); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var result any
	err := h.SendRequest(ctx, "tools/list", struct{}{}, time.Second, &result)
	if err == nil {
		t.Fatal("expected cancellation error, got nil")
	}
}

func TestStop_RejectsPendingRequests(t *testing.T) {
	hostIn, _ := io.Pipe()
	hostOut := io.Discard

	tr := transport.New(transport.FramingLine, hostOut, hostIn, nil)
	h := New(ClientInfo{Name: "toolmesh", Version: "test"}, nil)
	if err := h.Start(context.Background(), tr); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		var result any
		done <- h.SendRequest(context.Background(), "tools/list", struct{}{}, 5*time.Second, &result)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("SendRequest succeeded after Stop, want an error")
		}
	case <-time.After(time.Second):
		t.Fatal("SendRequest did not unblock after Stop")
	}
}

func TestSendNotification_AfterStopFails(t *testing.T) {
	hostIn, _ := io.Pipe()
	_, hostOut := io.Pipe()

	tr := transport.New(transport.FramingLine, hostOut, hostIn, nil)
	h := New(ClientInfo{Name: "toolmesh", Version: "test"}, nil)
	if err := h.Start(context.Background(), tr); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Stop()

	if err := h.SendNotification("notifications/initialized", nil); err == nil {
		t.Error("SendNotification after Stop succeeded, want error")
	}
}
