package adapter

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// Subprocess wraps a child process speaking the line JSON-RPC protocol on
// its standard I/O.
type Subprocess struct {
	spec    models.ProviderSpec
	workDir string
	env     map[string]string
	logger  *slog.Logger
	timeout time.Duration

	process *exec.Cmd
	conn    *stdioConn
}

// SubprocessOptions configures a subprocess adapter.
type SubprocessOptions struct {
	WorkDir string
	Env     map[string]string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewSubprocess creates (but does not start) a subprocess adapter.
func NewSubprocess(spec models.ProviderSpec, opts SubprocessOptions) *Subprocess {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Subprocess{
		spec:    spec,
		workDir: opts.WorkDir,
		env:     opts.Env,
		logger:  logger.With("provider", spec.Key, "transport", "subprocess"),
		timeout: timeout,
	}
}

// Connect spawns the child process and performs the initialize handshake.
func (s *Subprocess) Connect(ctx context.Context) error {
	if s.spec.Command == "" {
		return &Error{Provider: s.spec.Key, Op: "connect", Err: errors.New("command is required")}
	}

	cmd := exec.Command(s.spec.Command, s.spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range s.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range s.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if s.workDir != "" {
		cmd.Dir = s.workDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &Error{Provider: s.spec.Key, Op: "connect", Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &Error{Provider: s.spec.Key, Op: "connect", Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return &Error{Provider: s.spec.Key, Op: "connect", Err: fmt.Errorf("start process: %w", err)}
	}

	s.process = cmd
	s.conn = newStdioConn(stdin, stdout, s.logger, s.timeout)

	if stderr != nil {
		go drainStderr(stderr, s.logger)
	}

	if _, err := s.conn.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo": map[string]any{
			"name":    "relay",
			"version": "1.0.0",
		},
	}); err != nil {
		s.teardown()
		return &Error{Provider: s.spec.Key, Op: "initialize", Err: err}
	}

	s.logger.Info("started provider process",
		"command", s.spec.Command,
		"pid", cmd.Process.Pid)
	return nil
}

func (s *Subprocess) ListTools(ctx context.Context) ([]models.ToolDescriptor, error) {
	raw, err := s.conn.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, &Error{Provider: s.spec.Key, Op: "tools/list", Err: err}
	}

	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &Error{Provider: s.spec.Key, Op: "tools/list", Err: fmt.Errorf("parse result: %w", err)}
	}

	out := make([]models.ToolDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		out = append(out, models.ToolDescriptor{
			Name:                   t.Name,
			Description:            t.Description,
			InputSchema:            t.InputSchema,
			Provider:               s.spec.Key,
			RequiresDetailedSchema: t.RequiresDetailedSchema,
		})
	}
	return out, nil
}

// CallTool invokes a tool. A transport failure is retried once through a
// reconnect; a second failure is fatal for this call.
func (s *Subprocess) CallTool(ctx context.Context, name string, args map[string]any) (*Result, error) {
	result, err := s.callToolOnce(ctx, name, args)
	if err == nil {
		return result, nil
	}
	if !s.isTransportError(err) {
		return nil, err
	}

	s.logger.Warn("tool call transport failure, reconnecting", "tool", name, "error", err)
	if reErr := s.Reconnect(ctx); reErr != nil {
		return nil, &Error{Provider: s.spec.Key, Op: "tools/call " + name, Err: err}
	}
	return s.callToolOnce(ctx, name, args)
}

func (s *Subprocess) callToolOnce(ctx context.Context, name string, args map[string]any) (*Result, error) {
	params := callToolParams{Name: name}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = raw
	}

	raw, err := s.conn.call(ctx, "tools/call", params)
	if err != nil {
		var rpcErr *jsonrpcError
		if errors.As(err, &rpcErr) {
			// The server answered; the tool itself failed.
			return ErrorResult("%s", rpcErr.Message), nil
		}
		return nil, err
	}

	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &Error{Provider: s.spec.Key, Op: "tools/call " + name, Err: fmt.Errorf("parse result: %w", err)}
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Text == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteByte('\n')
		}
		text.WriteString(block.Text)
	}
	out := &Result{
		Text:     text.String(),
		IsError:  result.IsError,
		Metadata: result.Metadata,
		Accounts: result.Accounts,
	}
	sort.Strings(out.Accounts)
	return out, nil
}

func (s *Subprocess) ListResources(ctx context.Context) ([]Resource, error) {
	raw, err := s.conn.call(ctx, "resources/list", nil)
	if err != nil {
		return nil, &Error{Provider: s.spec.Key, Op: "resources/list", Err: err}
	}
	var result listResourcesResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &Error{Provider: s.spec.Key, Op: "resources/list", Err: fmt.Errorf("parse result: %w", err)}
	}
	return result.Resources, nil
}

func (s *Subprocess) ReadResource(ctx context.Context, uri string) (*ResourceContent, error) {
	raw, err := s.conn.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, &Error{Provider: s.spec.Key, Op: "resources/read", Err: err}
	}
	var result readResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &Error{Provider: s.spec.Key, Op: "resources/read", Err: fmt.Errorf("parse result: %w", err)}
	}
	if len(result.Contents) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}

	first := result.Contents[0]
	content := &ResourceContent{URI: first.URI, MimeType: first.MimeType}
	if first.Blob != "" {
		data, decErr := base64.StdEncoding.DecodeString(first.Blob)
		if decErr != nil {
			return nil, &Error{Provider: s.spec.Key, Op: "resources/read", Err: fmt.Errorf("decode blob: %w", decErr)}
		}
		content.Data = data
	} else {
		content.Data = []byte(first.Text)
	}
	return content, nil
}

func (s *Subprocess) Connected() bool {
	if s.conn == nil {
		return false
	}
	if s.process != nil && s.process.ProcessState != nil {
		return false
	}
	return s.conn.connected()
}

// Reconnect tears down any existing process and spawns a fresh one.
func (s *Subprocess) Reconnect(ctx context.Context) error {
	s.teardown()
	return s.Connect(ctx)
}

// Close terminates the child process and waits for it to exit.
func (s *Subprocess) Close() error {
	s.teardown()
	return nil
}

func (s *Subprocess) teardown() {
	if s.conn != nil {
		s.conn.close()
	}
	if s.process != nil && s.process.Process != nil {
		s.process.Process.Kill()
		s.process.Wait()
	}
	if s.conn != nil {
		s.conn.wait()
		s.conn = nil
	}
	s.process = nil
}

func (s *Subprocess) isTransportError(err error) bool {
	if errors.Is(err, ErrNotConnected) {
		return true
	}
	var rpcErr *jsonrpcError
	if errors.As(err, &rpcErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return strings.Contains(err.Error(), "write request") ||
		strings.Contains(err.Error(), "request timeout")
}

func drainStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			logger.Debug("provider stderr", "message", line)
		}
	}
}
