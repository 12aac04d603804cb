package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/mcpgate/gateway/errorkind"
)

// WorkerEnvVar, when set to "1" in a process's environment, tells
// cmd/gatewayd's main to run RunWorker against stdin/stdout instead of
// starting the gateway server; this is how the host re-execs itself into
// a fresh, single-execution worker.
const WorkerEnvVar = "MCPGATE_SANDBOX_WORKER"

// killGrace is how long a worker gets to exit after a terminate signal
// before being force-killed (spec §4.5 "Cancellation").
const killGrace = 2 * time.Second

// ToolCaller dispatches the call_tool bridge method against the allow-
// listed descriptor's upstream server.
type ToolCaller interface {
	Call(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error)
}

// worker owns one spawned subprocess for the duration of exactly one
// execution.
type worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	fw     *frameWriter
	fr     *frameReader
}

// spawnWorker starts a fresh subprocess re-exec'ing the current binary in
// worker mode, wired with the given memory limit via GOMEMLIMIT.
func spawnWorker(ctx context.Context, memoryLimitBytes int64) (*worker, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, errorkind.Wrap(errorkind.Internal, err, "resolve sandbox worker executable")
	}
	cmd := exec.CommandContext(ctx, self)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=1", WorkerEnvVar))
	if memoryLimitBytes > 0 {
		cmd.Env = append(cmd.Env, fmt.Sprintf("GOMEMLIMIT=%dB", memoryLimitBytes))
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errorkind.Wrap(errorkind.Internal, err, "open sandbox worker stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errorkind.Wrap(errorkind.Internal, err, "open sandbox worker stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errorkind.Wrap(errorkind.Internal, err, "start sandbox worker")
	}

	return &worker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		fw:     newFrameWriter(stdin),
		fr:     newFrameReader(stdout),
	}, nil
}

// runExecution drives the init/bridge/done exchange with a spawned worker,
// dispatching call_tool requests to caller (scoped to allowList) and
// collecting log notifications. It returns once the worker sends its
// terminal response or the process exits/errors.
func (w *worker) runExecution(ctx context.Context, caller ToolCaller, init workerInit) (workerDone, error) {
	payload, err := json.Marshal(init)
	if err != nil {
		return workerDone{}, errorkind.Wrap(errorkind.Internal, err, "encode sandbox worker init")
	}
	if err := w.fw.write(frame{Kind: frameRequest, Request: &rpcRequest{ID: "init", Method: methodInit, Payload: payload}}); err != nil {
		return workerDone{}, errorkind.Wrap(errorkind.SandboxRuntime, err, "send sandbox worker init")
	}

	type readResult struct {
		f   frame
		err error
	}
	frames := make(chan readResult)
	go func() {
		for {
			f, err := w.fr.read()
			frames <- readResult{f, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.terminate()
			if ctx.Err() == context.Canceled {
				return workerDone{}, errorkind.New(errorkind.Cancelled, "sandbox execution cancelled")
			}
			return workerDone{}, errorkind.NewTimeout("sandbox execution exceeded its deadline", false)
		case rr := <-frames:
			if rr.err != nil {
				if rr.err == io.EOF {
					return workerDone{}, errorkind.New(errorkind.SandboxRuntime, "sandbox worker exited without completing")
				}
				return workerDone{}, errorkind.Wrap(errorkind.SandboxRuntime, rr.err, "sandbox worker bridge read failed")
			}
			switch rr.f.Kind {
			case frameResponse:
				if rr.f.Response != nil && rr.f.Response.ID == "done" {
					var done workerDone
					if len(rr.f.Response.Result) > 0 {
						_ = json.Unmarshal(rr.f.Response.Result, &done)
					}
					return done, nil
				}
			case frameRequest:
				w.handleRequest(ctx, caller, rr.f.Request)
			}
		}
	}
}

func (w *worker) handleRequest(ctx context.Context, caller ToolCaller, req *rpcRequest) {
	if req == nil {
		return
	}
	switch req.Method {
	case methodCallTool:
		var p callToolPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			_ = w.fw.write(frame{Kind: frameResponse, Response: &rpcResponse{ID: req.ID, Success: false, Error: "bad call_tool payload"}})
			return
		}
		result, err := caller.Call(ctx, p.Server, p.Tool, p.Args)
		if err != nil {
			_ = w.fw.write(frame{Kind: frameResponse, Response: &rpcResponse{ID: req.ID, Success: false, Error: err.Error()}})
			return
		}
		_ = w.fw.write(frame{Kind: frameResponse, Response: &rpcResponse{ID: req.ID, Success: true, Result: result}})
	case methodLog:
		_ = w.fw.write(frame{Kind: frameResponse, Response: &rpcResponse{ID: req.ID, Success: true}})
	case methodReadContext:
		_ = w.fw.write(frame{Kind: frameResponse, Response: &rpcResponse{ID: req.ID, Success: true}})
	}
}

// terminate sends the worker a close signal and, if it hasn't exited
// within killGrace, force-kills it (spec §4.5 "Cancellation").
func (w *worker) terminate() {
	_ = w.stdin.Close()
	done := make(chan struct{})
	go func() { _ = w.cmd.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(killGrace):
		_ = w.cmd.Process.Kill()
		<-done
	}
}

func (w *worker) close() {
	_ = w.stdin.Close()
	_ = w.stdout.Close()
}
