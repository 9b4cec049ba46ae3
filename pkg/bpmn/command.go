package bpmn

import (
	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
)

// The executor advances an instance by draining a queue of commands.
// Node execution enqueues follow-up commands instead of recursing, so
// cyclic definitions cannot overflow the stack.

type commandKind int

const (
	cmdActivity commandKind = iota
	cmdFlow
	cmdComplete
	cmdBoundary
	cmdEventSub
	cmdError
)

type command struct {
	kind  commandKind
	token *runtime.Token

	flow *model.SequenceFlow // cmdFlow
	err  error               // cmdError

	nodeID  string         // cmdBoundary: boundary event id; cmdEventSub: start event id
	espID   string         // cmdEventSub
	payload map[string]any // cmdEventSub
}

func activityCommand(tok *runtime.Token) command {
	return command{kind: cmdActivity, token: tok}
}

func flowCommand(tok *runtime.Token, flow *model.SequenceFlow) command {
	return command{kind: cmdFlow, token: tok, flow: flow}
}

// completeCommand finishes the activity the token sits on without
// re-running its body; resume paths (user task completion, async
// callbacks, message receipt) use it.
func completeCommand(tok *runtime.Token) command {
	return command{kind: cmdComplete, token: tok}
}

// boundaryCommand fires the named boundary event against the token
// occupying its host activity.
func boundaryCommand(tok *runtime.Token, boundaryID string) command {
	return command{kind: cmdBoundary, token: tok, nodeID: boundaryID}
}

// eventSubCommand routes a trigger into an event subprocess start event.
func eventSubCommand(espID, startID string, payload map[string]any) command {
	return command{kind: cmdEventSub, espID: espID, nodeID: startID, payload: payload}
}

func errorCommand(tok *runtime.Token, err error) command {
	return command{kind: cmdError, token: tok, err: err}
}

// commandQueue is a FIFO of pending executor work for one instance run.
type commandQueue struct {
	items []command
}

func (q *commandQueue) push(cmds ...command) {
	q.items = append(q.items, cmds...)
}

func (q *commandQueue) pop() (command, bool) {
	if len(q.items) == 0 {
		return command{}, false
	}
	cmd := q.items[0]
	q.items = q.items[1:]
	return cmd, true
}
