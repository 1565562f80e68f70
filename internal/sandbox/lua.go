package sandbox

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/Shopify/go-lua"

	"github.com/roach88/agentsim/internal/agentstate"
	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/txn"
)

// DefaultInstructionBudget bounds a Lua turn when the request sets none.
const DefaultInstructionBudget = 1_000_000

// hookInterval is how many VM instructions run between budget checks.
const hookInterval = 1000

// Lua executes Lua agent scripts with go-lua.
//
// Only the base, string, table and math libraries are opened, with the
// file-loading base functions removed. The instruction budget is enforced
// by a count hook; the same hook observes ctx cancellation and the
// wall-clock timeout.
//
// Verbs are called with a dot: ctx.releaseEscrow(id). A rejected verb raises
// an error that pcall returns as a table {message=..., rule=...}.
type Lua struct{}

// Execute implements Executor.
func (x *Lua) Execute(ctx context.Context, req Request) Result {
	fail := func(msg, rule string, err error) Result {
		return Result{Err: &ScriptError{
			AgentID: req.Agent.ID, Language: ir.LanguageLua,
			Message: msg, Rule: rule, Err: err,
		}}
	}

	l := lua.NewState()
	openSafeLibraries(l)
	installRandom(l, newRNG(req.Agent.ID, req.View.Tick))
	rej := &rejections{}
	installErrors(l, rej)
	installContext(l, req, rej)

	budget := req.Budget.Instructions
	if budget <= 0 {
		budget = DefaultInstructionBudget
	}
	var interrupted atomic.Pointer[error]
	stop := watchdog(ctx, req.Budget.Timeout, func(reason error) { interrupted.Store(&reason) })
	defer stop()

	// Once the budget is gone the hook fires on every instruction, so a
	// script cannot swallow the error with pcall and keep running.
	used := 0
	var cause error
	var hook func(*lua.State, lua.Debug)
	hook = func(l *lua.State, _ lua.Debug) {
		if cause == nil {
			used += hookInterval
			if reason := interrupted.Load(); reason != nil {
				cause = *reason
			} else if used > budget {
				cause = fmt.Errorf("%w: more than %d instructions", ErrBudgetExceeded, budget)
			}
			if cause == nil {
				return
			}
			lua.SetDebugHook(l, hook, lua.MaskCount, 1)
		}
		lua.Errorf(l, "%s", cause.Error())
	}
	lua.SetDebugHook(l, hook, lua.MaskCount, hookInterval)

	if err := lua.LoadString(l, req.Agent.Script); err != nil {
		return fail(luaErrorMessage(l, err), "", err)
	}
	if err := l.ProtectedCall(0, 0, 0); err != nil {
		if cause != nil {
			return fail(cause.Error(), "", cause)
		}
		return fail(luaErrorMessage(l, err), rej.ruleOf(l), err)
	}

	l.Global("ctx")
	l.Field(-1, "state")
	value, err := agentstate.Normalize(luaToGo(l, -1))
	l.Pop(2)
	if err != nil {
		return fail(err.Error(), "", err)
	}
	switch doc := value.(type) {
	case map[string]any:
		return Result{State: doc}
	case []any:
		if len(doc) == 0 {
			return Result{State: map[string]any{}}
		}
	case nil:
		return Result{State: map[string]any{}}
	}
	return fail(fmt.Sprintf("ctx.state must be a table with string keys, got %T", value), "", nil)
}

func openSafeLibraries(l *lua.State) {
	for _, lib := range []struct {
		name string
		open lua.Function
	}{
		{"_G", lua.BaseOpen},
		{"string", lua.StringOpen},
		{"table", lua.TableOpen},
		{"math", lua.MathOpen},
	} {
		lua.Require(l, lib.name, lib.open, true)
		l.Pop(1)
	}
	for _, name := range []string{"dofile", "loadfile", "collectgarbage"} {
		l.PushNil()
		l.SetGlobal(name)
	}
}

// installRandom replaces math.random with the seeded generator, following the
// Lua 5.2 argument conventions.
func installRandom(l *lua.State, r *rng) {
	l.Global("math")
	l.PushGoFunction(func(l *lua.State) int {
		f := r.Float()
		switch l.Top() {
		case 0:
			l.PushNumber(f)
		case 1:
			upper := lua.CheckInteger(l, 1)
			lua.ArgumentCheck(l, upper >= 1, 1, "interval is empty")
			l.PushInteger(int(math.Floor(f*float64(upper))) + 1)
		default:
			lower, upper := lua.CheckInteger(l, 1), lua.CheckInteger(l, 2)
			lua.ArgumentCheck(l, lower <= upper, 2, "interval is empty")
			l.PushInteger(int(math.Floor(f*float64(upper-lower+1))) + lower)
		}
		return 1
	})
	l.SetField(-2, "random")
	l.Pop(1)
}

func installContext(l *lua.State, req Request, rej *rejections) {
	caps, view := req.Caps, req.View

	l.NewTable()
	l.PushString(req.Agent.ID)
	l.SetField(-2, "agentId")
	pushValue(l, view.Tick)
	l.SetField(-2, "tick")
	pushValue(l, view.Balance)
	l.SetField(-2, "balance")
	pushValue(l, txViews(view.Outgoing))
	l.SetField(-2, "transactions")
	pushValue(l, txViews(view.Incoming))
	l.SetField(-2, "incomingTransactions")
	pushValue(l, stateOrEmpty(view.State))
	l.SetField(-2, "state")

	logger := func(level LogLevel) lua.Function {
		return func(l *lua.State) int {
			parts := make([]string, l.Top())
			for i := range parts {
				parts[i], _ = lua.ToStringMeta(l, i+1)
				l.Pop(1)
			}
			caps.Log(level, strings.Join(parts, " "))
			return 0
		}
	}
	verbs := []lua.RegistryFunction{
		{Name: "log", Function: logger(LevelInfo)},
		{Name: "warn", Function: logger(LevelWarn)},
		{Name: "error", Function: logger(LevelError)},
		{Name: "createTransaction", Function: func(l *lua.State) int {
			lua.CheckType(l, 1, lua.TypeTable)
			params, _ := luaToGo(l, 1).(map[string]any)
			provider, amount, service, err := createArgs(params)
			if err == nil {
				var id string
				id, err = caps.CreateTransaction(provider, amount, service)
				if err == nil {
					l.PushString(id)
					return 1
				}
			}
			rej.raise(l, err)
			return 0
		}},
		{Name: "transitionState", Function: func(l *lua.State) int {
			id, state := lua.CheckString(l, 1), lua.CheckString(l, 2)
			to, err := parseState(state)
			if err == nil {
				err = caps.TransitionState(id, to)
			}
			if err != nil {
				rej.raise(l, err)
			}
			return 0
		}},
		{Name: "releaseEscrow", Function: func(l *lua.State) int {
			if err := caps.ReleaseEscrow(lua.CheckString(l, 1)); err != nil {
				rej.raise(l, err)
			}
			return 0
		}},
		{Name: "initiateDispute", Function: func(l *lua.State) int {
			if err := caps.InitiateDispute(lua.CheckString(l, 1), lua.OptString(l, 2, "")); err != nil {
				rej.raise(l, err)
			}
			return 0
		}},
		{Name: "cancelTransaction", Function: func(l *lua.State) int {
			if err := caps.CancelTransaction(lua.CheckString(l, 1)); err != nil {
				rej.raise(l, err)
			}
			return 0
		}},
	}
	lua.SetFunctions(l, verbs, 0)

	l.NewTable()
	for _, jobType := range view.JobTypes {
		l.PushGoFunction(func(l *lua.State) int {
			id, err := caps.SubmitJob(jobType, luaToGo(l, 1))
			if err != nil {
				rej.raise(l, err)
			}
			l.PushString(id)
			return 1
		})
		l.SetField(-2, jobType)
	}
	l.SetField(-2, "services")

	l.SetGlobal("ctx")

	l.PushGoFunction(logger(LevelInfo))
	l.SetGlobal("print")
}

// rejections carries verb rejection rules across go-lua's error path,
// which converts every error value to a string. The replacement pcall turns
// the most recent rejection message back into a {message, rule} table, and
// the replacement error accepts such a table to re-raise it.
type rejections struct {
	message string
	rule    string
	ok      bool
}

// raise records err and throws its message. It does not return.
func (r *rejections) raise(l *lua.State, err error) {
	r.throw(l, err.Error(), string(txn.RuleOf(err)))
}

func (r *rejections) throw(l *lua.State, message, rule string) {
	r.message, r.rule, r.ok = message, rule, true
	l.PushString(message)
	l.Error()
}

// matches reports whether the value at the top of the stack is the last
// rejection raised.
func (r *rejections) matches(l *lua.State) bool {
	if !r.ok || l.TypeOf(-1) != lua.TypeString {
		return false
	}
	s, _ := l.ToString(-1)
	return s == r.message
}

// ruleOf returns the rule of the failed call's error value, or "".
func (r *rejections) ruleOf(l *lua.State) string {
	if r.matches(l) {
		return r.rule
	}
	return ""
}

func (r *rejections) pushTable(l *lua.State) {
	l.NewTable()
	l.PushString(r.message)
	l.SetField(-2, "message")
	if r.rule != "" {
		l.PushString(r.rule)
		l.SetField(-2, "rule")
	}
}

// installErrors replaces pcall and error so rejection tables survive a
// round trip through Lua code.
func installErrors(l *lua.State, rej *rejections) {
	l.PushGoFunction(func(l *lua.State) int {
		lua.CheckAny(l, 1)
		if err := l.ProtectedCall(l.Top()-1, lua.MultipleReturns, 0); err != nil {
			if rej.matches(l) {
				l.Pop(1)
				rej.pushTable(l)
			}
			l.PushBoolean(false)
			l.Insert(-2)
			return 2
		}
		l.PushBoolean(true)
		l.Insert(1)
		return l.Top()
	})
	l.SetGlobal("pcall")

	l.PushGoFunction(func(l *lua.State) int {
		if l.TypeOf(1) == lua.TypeTable {
			l.Field(1, "message")
			message, ok := l.ToString(-1)
			l.Field(1, "rule")
			rule, _ := l.ToString(-1)
			if ok {
				rej.throw(l, message, rule)
			}
		}
		level := lua.OptInteger(l, 2, 1)
		l.SetTop(1)
		if l.IsString(1) && level > 0 {
			lua.Where(l, level)
			l.PushValue(1)
			l.Concat(2)
		}
		l.Error()
		return 0
	})
	l.SetGlobal("error")
}

// luaErrorMessage reads the error value left on the stack by a failed call.
func luaErrorMessage(l *lua.State, err error) string {
	switch l.TypeOf(-1) {
	case lua.TypeString:
		s, _ := l.ToString(-1)
		return s
	case lua.TypeTable:
		l.Field(-1, "message")
		s, ok := l.ToString(-1)
		l.Pop(1)
		if ok {
			return s
		}
	}
	return err.Error()
}

// pushValue pushes a JSON-shaped Go value. Map keys are inserted in sorted
// order.
func pushValue(l *lua.State, v any) {
	switch val := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(val)
	case string:
		l.PushString(val)
	case int:
		l.PushInteger(val)
	case int64:
		l.PushNumber(float64(val))
	case float64:
		l.PushNumber(val)
	case []any:
		l.CreateTable(len(val), 0)
		for i, elem := range val {
			pushValue(l, elem)
			l.RawSetInt(-2, i+1)
		}
	case map[string]any:
		l.CreateTable(0, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			pushValue(l, val[k])
			l.SetField(-2, k)
		}
	default:
		l.PushString(fmt.Sprint(val))
	}
}

func luaToGo(l *lua.State, index int) any {
	switch l.TypeOf(index) {
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return normalizeNumber(n)
	case lua.TypeBoolean:
		return l.ToBoolean(index)
	case lua.TypeTable:
		return tableToGo(l, index)
	default:
		return nil
	}
}

// tableToGo converts a table with consecutive integer keys from 1 into a
// slice, and anything else into a map with string keys. Non-string,
// non-integer keys are dropped.
func tableToGo(l *lua.State, index int) any {
	index = l.AbsIndex(index)
	isArray := true
	maxIndex, count := 0, 0
	entries := map[string]any{}
	items := map[int]any{}

	l.PushNil()
	for l.Next(index) {
		switch l.TypeOf(-2) {
		case lua.TypeNumber:
			if i, ok := l.ToInteger(-2); ok && i > 0 {
				items[i] = luaToGo(l, -1)
				count++
				maxIndex = max(maxIndex, i)
			} else {
				isArray = false
			}
		case lua.TypeString:
			key, _ := l.ToString(-2)
			entries[key] = luaToGo(l, -1)
			isArray = false
		default:
			isArray = false
		}
		l.Pop(1)
	}

	if isArray && count == maxIndex && count > 0 {
		out := make([]any, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			out[i-1] = items[i]
		}
		return out
	}
	for i, v := range items {
		entries[fmt.Sprint(i)] = v
	}
	return entries
}

func normalizeNumber(value float64) any {
	if math.Mod(value, 1) == 0 && math.Abs(value) <= 1<<53 {
		return int64(value)
	}
	return value
}
