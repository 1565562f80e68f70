package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/roach88/agentsim/internal/agentstate"
	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/txn"
)

// JS executes JavaScript agent scripts with goja.
//
// The script body is wrapped in a function taking (ctx, console), so a bare
// "return" ends the turn early. Budget.Timeout is enforced with
// Runtime.Interrupt, which scripts cannot catch.
type JS struct{}

// Execute implements Executor.
func (x *JS) Execute(ctx context.Context, req Request) Result {
	fail := func(msg string, rule string, err error) Result {
		return Result{Err: &ScriptError{
			AgentID: req.Agent.ID, Language: ir.LanguageJS,
			Message: msg, Rule: rule, Err: err,
		}}
	}

	src := "(function(ctx, console) {\n" + req.Agent.Script + "\n})"
	prog, err := goja.Compile(req.Agent.ID, src, false)
	if err != nil {
		return fail(err.Error(), "", err)
	}

	vm := goja.New()
	vm.Set("Date", goja.Undefined())
	random := newRNG(req.Agent.ID, req.View.Tick)
	if err := vm.Get("Math").ToObject(vm).Set("random", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(random.Float())
	}); err != nil {
		return fail(err.Error(), "", err)
	}

	ctxObj, err := x.buildContext(vm, req)
	if err != nil {
		return fail(err.Error(), "", err)
	}
	console := vm.NewObject()
	for _, level := range []LogLevel{LevelInfo, LevelWarn, LevelError} {
		name := string(level)
		if level == LevelInfo {
			name = "log"
		}
		if err := console.Set(name, logFunc(vm, req.Caps, level)); err != nil {
			return fail(err.Error(), "", err)
		}
	}

	fnVal, err := vm.RunProgram(prog)
	if err != nil {
		return fail(err.Error(), "", err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return fail("script did not compile to a function", "", nil)
	}

	stop := watchdog(ctx, req.Budget.Timeout, func(reason error) { vm.Interrupt(reason) })
	_, err = fn(goja.Undefined(), ctxObj, console)
	stop()
	if err != nil {
		return jsFailure(req.Agent.ID, err)
	}

	state, err := exportJSState(ctxObj)
	if err != nil {
		return fail(err.Error(), "", err)
	}
	return Result{State: state}
}

func (x *JS) buildContext(vm *goja.Runtime, req Request) (*goja.Object, error) {
	obj := vm.NewObject()
	view := req.View

	state, err := jsonValue(vm, stateOrEmpty(view.State))
	if err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	outgoing, err := jsonValue(vm, txViews(view.Outgoing))
	if err != nil {
		return nil, fmt.Errorf("transactions: %w", err)
	}
	incoming, err := jsonValue(vm, txViews(view.Incoming))
	if err != nil {
		return nil, fmt.Errorf("incomingTransactions: %w", err)
	}

	readOnly := map[string]goja.Value{
		"agentId":              vm.ToValue(req.Agent.ID),
		"tick":                 vm.ToValue(view.Tick),
		"balance":              vm.ToValue(view.Balance),
		"transactions":         outgoing,
		"incomingTransactions": incoming,
	}
	for _, name := range ir.SortedKeys(readOnly) {
		if err := obj.DefineDataProperty(name, readOnly[name], goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return nil, err
		}
	}
	if err := obj.Set("state", state); err != nil {
		return nil, err
	}

	caps := req.Caps
	verbs := map[string]func(goja.FunctionCall) goja.Value{
		"log":   logFunc(vm, caps, LevelInfo),
		"warn":  logFunc(vm, caps, LevelWarn),
		"error": logFunc(vm, caps, LevelError),
		"createTransaction": func(call goja.FunctionCall) goja.Value {
			params, _ := call.Argument(0).Export().(map[string]any)
			provider, amount, service, err := createArgs(params)
			if err != nil {
				throw(vm, err)
			}
			id, err := caps.CreateTransaction(provider, amount, service)
			if err != nil {
				throw(vm, err)
			}
			return vm.ToValue(id)
		},
		"transitionState": func(call goja.FunctionCall) goja.Value {
			to, err := parseState(call.Argument(1).String())
			if err == nil {
				err = caps.TransitionState(call.Argument(0).String(), to)
			}
			if err != nil {
				throw(vm, err)
			}
			return goja.Undefined()
		},
		"releaseEscrow": func(call goja.FunctionCall) goja.Value {
			if err := caps.ReleaseEscrow(call.Argument(0).String()); err != nil {
				throw(vm, err)
			}
			return goja.Undefined()
		},
		"initiateDispute": func(call goja.FunctionCall) goja.Value {
			reason := ""
			if arg := call.Argument(1); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
				reason = arg.String()
			}
			if err := caps.InitiateDispute(call.Argument(0).String(), reason); err != nil {
				throw(vm, err)
			}
			return goja.Undefined()
		},
		"cancelTransaction": func(call goja.FunctionCall) goja.Value {
			if err := caps.CancelTransaction(call.Argument(0).String()); err != nil {
				throw(vm, err)
			}
			return goja.Undefined()
		},
	}
	for _, name := range ir.SortedKeys(verbs) {
		if err := obj.Set(name, verbs[name]); err != nil {
			return nil, err
		}
	}

	services := vm.NewObject()
	for _, jobType := range view.JobTypes {
		if err := services.Set(jobType, func(call goja.FunctionCall) goja.Value {
			id, err := caps.SubmitJob(jobType, call.Argument(0).Export())
			if err != nil {
				throw(vm, err)
			}
			return vm.ToValue(id)
		}); err != nil {
			return nil, err
		}
	}
	if err := obj.Set("services", services); err != nil {
		return nil, err
	}
	return obj, nil
}

func logFunc(vm *goja.Runtime, caps Capabilities, level LogLevel) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		caps.Log(level, strings.Join(parts, " "))
		return goja.Undefined()
	}
}

// throw raises err inside the script as an Error with a "rule" property.
func throw(vm *goja.Runtime, err error) {
	e := vm.NewGoError(err)
	if rule := txn.RuleOf(err); rule != "" {
		_ = e.Set("rule", string(rule))
	}
	panic(e)
}

// jsonValue builds a plain JS value from v via JSON.parse, so scripts get
// ordinary objects and arrays rather than Go-backed wrappers.
func jsonValue(vm *goja.Runtime, v any) (goja.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	parse, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse unavailable")
	}
	return parse(goja.Undefined(), vm.ToValue(string(raw)))
}

func exportJSState(ctxObj *goja.Object) (map[string]any, error) {
	v := ctxObj.Get("state")
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return map[string]any{}, nil
	}
	normalized, err := agentstate.Normalize(v.Export())
	if err != nil {
		return nil, fmt.Errorf("ctx.state: %w", err)
	}
	doc, ok := normalized.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("ctx.state must be an object, got %T", normalized)
	}
	return doc, nil
}

func jsFailure(agentID string, err error) Result {
	se := &ScriptError{AgentID: agentID, Language: ir.LanguageJS, Message: err.Error(), Err: err}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			se.Message = cause.Error()
			se.Err = cause
		}
		return Result{Err: se}
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		if obj, ok := exc.Value().(*goja.Object); ok {
			if rule := obj.Get("rule"); rule != nil && !goja.IsUndefined(rule) {
				se.Rule = rule.String()
			}
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				se.Message = msg.String()
			}
		}
	}
	return Result{Err: se}
}

func stateOrEmpty(doc map[string]any) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	return doc
}
