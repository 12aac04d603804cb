package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dop251/goja"
)

// workerInit is the single frame the host sends a freshly spawned worker
// to start its one execution.
type workerInit struct {
	Code    string                     `json:"code"`
	Context map[string]any             `json:"context"`
	Tools   map[string]workerToolEntry `json:"tools"`
}

// workerToolEntry is one allow-listed proxy the worker may call, keyed by
// a JS-safe identifier derived from "server:tool".
type workerToolEntry struct {
	Server string `json:"server"`
	Tool   string `json:"tool"`
}

// workerDone is the terminal frame the worker sends before exiting.
type workerDone struct {
	Success bool     `json:"success"`
	Value   any      `json:"value,omitempty"`
	Logs    []string `json:"logs"`
	ErrKind string   `json:"err_kind,omitempty"`
	ErrMsg  string   `json:"err_msg,omitempty"`
}

// RunWorker is the worker-side entry point: it reads one workerInit frame
// from r, evaluates the code against a goja runtime whose only host
// capabilities are the injected tool proxies, read_context, and log, then
// writes one workerDone frame to w. Intended to run in a freshly spawned,
// single-execution subprocess (cmd/gatewayd invokes this when launched in
// worker mode).
func RunWorker(r io.Reader, w io.Writer) error {
	fr := newFrameReader(r)
	fw := newFrameWriter(w)

	initFrame, err := fr.read()
	if err != nil {
		return fmt.Errorf("sandbox worker: read init: %w", err)
	}
	if initFrame.Kind != frameRequest || initFrame.Request == nil {
		return fmt.Errorf("sandbox worker: expected init request, got %q", initFrame.Kind)
	}
	var init workerInit
	if err := json.Unmarshal(initFrame.Request.Payload, &init); err != nil {
		return fmt.Errorf("sandbox worker: decode init payload: %w", err)
	}

	bridge := &workerBridge{fr: fr, fw: fw, nextID: 0}
	done := bridge.run(init)
	return fw.write(frame{Kind: frameResponse, Response: &rpcResponse{ID: "done", Success: true, Result: mustMarshal(done)}})
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}

// workerBridge holds the worker-side JS runtime and its correlation state
// for outstanding host round-trips.
type workerBridge struct {
	fr     *frameReader
	fw     *frameWriter
	nextID int
	logs   []string
}

func (b *workerBridge) run(init workerInit) workerDone {
	vm := goja.New()

	allowed := make(map[string]workerToolEntry, len(init.Tools))
	for _, entry := range init.Tools {
		allowed[entry.Server+":"+entry.Tool] = entry
	}

	_ = vm.Set("callTool", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.ToValue("TOOL_NOT_ALLOWED"))
		}
		id := call.Arguments[0].String()
		if _, ok := allowed[id]; !ok {
			panic(vm.ToValue("TOOL_NOT_ALLOWED"))
		}
		var args map[string]any
		if len(call.Arguments) > 1 {
			args, _ = call.Arguments[1].Export().(map[string]any)
		}
		server, tool, _ := splitToolID(id)
		result, err := b.callTool(server, tool, args)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(result)
	})

	for name, entry := range init.Tools {
		server, tool := entry.Server, entry.Tool
		fn := func(call goja.FunctionCall) goja.Value {
			var args map[string]any
			if len(call.Arguments) > 0 {
				args, _ = call.Arguments[0].Export().(map[string]any)
			}
			result, err := b.callTool(server, tool, args)
			if err != nil {
				panic(vm.ToValue(err.Error()))
			}
			return vm.ToValue(result)
		}
		if err := vm.Set(name, fn); err != nil {
			return workerDone{Success: false, ErrKind: "runtime", ErrMsg: err.Error()}
		}
	}

	_ = vm.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		line := fmt.Sprintln(parts)
		b.logs = append(b.logs, line)
		b.notifyLog(line)
		return goja.Undefined()
	})

	if err := vm.Set("context", init.Context); err != nil {
		return workerDone{Success: false, ErrKind: "runtime", ErrMsg: err.Error()}
	}

	prog, err := compileBody(init.Code)
	if err != nil {
		return workerDone{Success: false, Logs: b.logs, ErrKind: "runtime", ErrMsg: err.Error()}
	}

	result := func() (res workerDone) {
		defer func() {
			if r := recover(); r != nil {
				res = workerDone{Success: false, Logs: b.logs, ErrKind: "runtime", ErrMsg: fmt.Sprint(r)}
			}
		}()
		v, err := vm.RunProgram(prog)
		if err != nil {
			kind := "runtime"
			if strings.Contains(err.Error(), "TOOL_NOT_ALLOWED") {
				kind = "permission"
			}
			return workerDone{Success: false, Logs: b.logs, ErrKind: kind, ErrMsg: err.Error()}
		}
		return workerDone{Success: true, Value: v.Export(), Logs: b.logs}
	}()
	return result
}

// compileBody implements the auto-return rule (spec §4.5): a single
// expression returns implicitly, a multi-statement body requires an
// explicit return. Wrapping the trimmed code as the argument to an
// implicit return and attempting to compile it is how the two shapes are
// told apart: a statement sequence is not valid inside that position and
// fails to parse there, falling back to a bare function body that only
// yields a value via an explicit "return".
func compileBody(code string) (*goja.Program, error) {
	exprForm := "(function(){ return (\n" + code + "\n); })()"
	if prog, err := goja.Compile("sandbox", exprForm, false); err == nil {
		return prog, nil
	}
	stmtForm := "(function(){\n" + code + "\n})()"
	return goja.Compile("sandbox", stmtForm, false)
}

func splitToolID(id string) (server, tool string, ok bool) {
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			return id[:i], id[i+1:], true
		}
	}
	return "", "", false
}

func (b *workerBridge) callTool(server, tool string, args map[string]any) (any, error) {
	b.nextID++
	id := fmt.Sprintf("%d", b.nextID)
	payload, _ := json.Marshal(callToolPayload{Server: server, Tool: tool, Args: args})
	if err := b.fw.write(frame{Kind: frameRequest, Request: &rpcRequest{ID: id, Method: methodCallTool, Payload: payload}}); err != nil {
		return nil, err
	}
	for {
		f, err := b.fr.read()
		if err != nil {
			return nil, err
		}
		if f.Kind != frameResponse || f.Response == nil || f.Response.ID != id {
			continue
		}
		if !f.Response.Success {
			return nil, fmt.Errorf("%s", f.Response.Error)
		}
		var result any
		if len(f.Response.Result) > 0 {
			_ = json.Unmarshal(f.Response.Result, &result)
		}
		return result, nil
	}
}

func (b *workerBridge) notifyLog(line string) {
	payload, _ := json.Marshal(logPayload{Level: "info", Message: line})
	_ = b.fw.write(frame{Kind: frameRequest, Request: &rpcRequest{ID: fmt.Sprintf("log-%d", len(b.logs)), Method: methodLog, Payload: payload}})
}
