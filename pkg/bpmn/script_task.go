package bpmn

import (
	"fmt"

	"github.com/dop251/goja"
	"github.com/hashicorp/go-hclog"

	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
)

// executeScriptTask runs the node's script against the token's
// variables. With scripting disabled (the default) the task is a
// pass-through and the skip is audited.
func (r *run) executeScriptTask(tok *runtime.Token, node *model.FlowNode) error {
	if r.e.scripts == nil {
		if err := r.runListeners(tok, node.ExecutionListeners, model.ListenerStart, node.ID); err != nil {
			return err
		}
		r.e.emit(r.pi.ID, node.ID, runtime.AuditScriptSkipped, "", "")
		if err := r.runListeners(tok, node.ExecutionListeners, model.ListenerEnd, node.ID); err != nil {
			return err
		}
		return r.completeActivity(tok, node)
	}

	if err := r.registerBoundaryEvents(tok, node); err != nil {
		return err
	}
	if fired, err := r.fireDueBoundaryTimers(tok); err != nil || fired {
		return err
	}
	if err := r.runListeners(tok, node.ExecutionListeners, model.ListenerStart, node.ID); err != nil {
		return err
	}
	if err := r.e.scripts.run(node.Script, r.e.varsFor(r.def, tok)); err != nil {
		return newEngineErrorf(ErrScript, "script task %s: %s", node.ID, err)
	}
	if err := r.runListeners(tok, node.ExecutionListeners, model.ListenerEnd, node.ID); err != nil {
		return err
	}
	return r.completeActivity(tok, node)
}

// scriptRunner executes task scripts on throwaway JavaScript runtimes;
// a fresh runtime per invocation keeps globals from leaking between
// instances. The variables visible to the token become globals;
// assignments to globals write back into the token's scope after the
// script returns.
type scriptRunner struct {
	logger hclog.Logger
}

func newScriptRunner(logger hclog.Logger) *scriptRunner {
	return &scriptRunner{logger: logger.Named("script")}
}

func (s *scriptRunner) run(script string, vars VariableAccess) (err error) {
	if script == "" {
		return nil
	}
	vm := goja.New()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("script panicked: %v", rec)
		}
	}()

	before := vars.All()
	for name, value := range before {
		if setErr := vm.Set(name, value); setErr != nil {
			return setErr
		}
	}
	logger := s.logger
	if setErr := vm.Set("print", func(args ...any) {
		logger.Info("script output", "args", args)
	}); setErr != nil {
		return setErr
	}

	if _, runErr := vm.RunString(script); runErr != nil {
		return runErr
	}

	global := vm.GlobalObject()
	for _, key := range global.Keys() {
		if key == "print" {
			continue
		}
		v := global.Get(key)
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			continue
		}
		exported := v.Export()
		if _, isFunc := goja.AssertFunction(v); isFunc {
			continue
		}
		prev, had := before[key]
		if had && equalScriptValue(prev, exported) {
			continue
		}
		if setErr := vars.Set(key, exported); setErr != nil {
			return setErr
		}
	}
	return nil
}

func equalScriptValue(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
