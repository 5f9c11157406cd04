package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"
)

// fakeServer answers JSON-RPC requests line by line with the given handler.
func fakeServer(t *testing.T, handler func(req jsonrpcRequest) any) (*stdioConn, func()) {
	t.Helper()

	clientOut, serverIn := io.Pipe()
	serverOut, clientIn := io.Pipe()

	go func() {
		scanner := bufio.NewScanner(clientOut)
		for scanner.Scan() {
			var req jsonrpcRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			result := handler(req)
			raw, _ := json.Marshal(result)
			id := req.ID
			resp := jsonrpcResponse{JSONRPC: "2.0", ID: &id, Result: raw}
			data, _ := json.Marshal(resp)
			clientIn.Write(append(data, '\n'))
		}
	}()

	conn := newStdioConn(serverIn, serverOut, slog.Default(), 2*time.Second)
	cleanup := func() {
		conn.close()
		serverIn.Close()
		clientIn.Close()
	}
	return conn, cleanup
}

func TestStdioConnCall(t *testing.T) {
	conn, cleanup := fakeServer(t, func(req jsonrpcRequest) any {
		return map[string]any{"method": req.Method}
	})
	defer cleanup()

	raw, err := conn.call(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var result map[string]string
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	if result["method"] != "tools/list" {
		t.Errorf("result = %v", result)
	}
}

func TestStdioConnConcurrentCallsMatchIDs(t *testing.T) {
	conn, cleanup := fakeServer(t, func(req jsonrpcRequest) any {
		var params map[string]any
		json.Unmarshal(req.Params, &params)
		return params
	})
	defer cleanup()

	ctx := context.Background()
	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			raw, err := conn.call(ctx, "echo", map[string]any{"n": i})
			if err != nil {
				done <- err
				return
			}
			var result map[string]float64
			if err := json.Unmarshal(raw, &result); err != nil {
				done <- err
				return
			}
			if int(result["n"]) != i {
				t.Errorf("call %d got %v", i, result)
			}
			done <- nil
		}(i)
	}
	for i := 0; i < 10; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}
}

func TestStdioConnClosedCallFails(t *testing.T) {
	conn, cleanup := fakeServer(t, func(jsonrpcRequest) any { return nil })
	cleanup()

	if _, err := conn.call(context.Background(), "ping", nil); err == nil {
		t.Error("expected error calling a closed conn")
	}
}

func TestStdioConnContextCancel(t *testing.T) {
	conn, cleanup := fakeServer(t, func(jsonrpcRequest) any {
		time.Sleep(5 * time.Second)
		return nil
	})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := conn.call(ctx, "slow", nil); err == nil {
		t.Error("expected context deadline error")
	}
}
