// Package model holds the canonical process definition records the
// engine executes. Definitions arrive already parsed (the XML converter
// is a separate tool); the original BPMN XML travels along as an opaque
// payload.
package model

import (
	"fmt"
)

type NodeKind string

const (
	KindStartEvent             NodeKind = "StartEvent"
	KindEndEvent               NodeKind = "EndEvent"
	KindIntermediateThrowEvent NodeKind = "IntermediateThrowEvent"
	KindIntermediateCatchEvent NodeKind = "IntermediateCatchEvent"
	KindBoundaryEvent          NodeKind = "BoundaryEvent"
	KindServiceTask            NodeKind = "ServiceTask"
	KindUserTask               NodeKind = "UserTask"
	KindSendTask               NodeKind = "SendTask"
	KindReceiveTask            NodeKind = "ReceiveTask"
	KindScriptTask             NodeKind = "ScriptTask"
	KindManualTask             NodeKind = "ManualTask"
	KindExclusiveGateway       NodeKind = "ExclusiveGateway"
	KindParallelGateway        NodeKind = "ParallelGateway"
	KindInclusiveGateway       NodeKind = "InclusiveGateway"
	KindEventBasedGateway      NodeKind = "EventBasedGateway"
	KindSubProcess             NodeKind = "SubProcess"
	KindEventSubProcess        NodeKind = "EventSubProcess"
	KindCallActivity           NodeKind = "CallActivity"
)

// EventType qualifies event nodes (start, end, intermediate, boundary).
type EventType string

const (
	EventNone         EventType = "none"
	EventMessage      EventType = "message"
	EventTimer        EventType = "timer"
	EventSignal       EventType = "signal"
	EventError        EventType = "error"
	EventTerminate    EventType = "terminate"
	EventCancel       EventType = "cancel"
	EventCompensation EventType = "compensation"
	EventEscalation   EventType = "escalation"
	EventConditional  EventType = "conditional"
)

type ListenerEvent string

const (
	ListenerStart      ListenerEvent = "start"
	ListenerEnd        ListenerEvent = "end"
	ListenerTake       ListenerEvent = "take"
	ListenerCreate     ListenerEvent = "create"
	ListenerAssignment ListenerEvent = "assignment"
	ListenerComplete   ListenerEvent = "complete"
)

// Listener attaches extra behavior to activities, flows and user tasks.
// Expression names a registered topic handler. Class and
// DelegateExpression are stored verbatim; they only fire when a handler
// with the matching name happens to be registered.
type Listener struct {
	Event              ListenerEvent `json:"event" yaml:"event"`
	Expression         string        `json:"expression,omitempty" yaml:"expression,omitempty"`
	Class              string        `json:"class,omitempty" yaml:"class,omitempty"`
	DelegateExpression string        `json:"delegateExpression,omitempty" yaml:"delegateExpression,omitempty"`
}

// HandlerName resolves which topic the listener should invoke.
func (l Listener) HandlerName() string {
	if l.Expression != "" {
		return l.Expression
	}
	if l.DelegateExpression != "" {
		return l.DelegateExpression
	}
	return l.Class
}

// MultiInstance describes loop characteristics of an activity.
type MultiInstance struct {
	Sequential          bool   `json:"sequential" yaml:"sequential"`
	LoopCardinality     string `json:"loopCardinality" yaml:"loopCardinality"`
	CompletionCondition string `json:"completionCondition,omitempty" yaml:"completionCondition,omitempty"`
}

// FlowNode is one element of a process definition. Kind selects which
// attribute subset is meaningful.
type FlowNode struct {
	ID    string   `json:"id" yaml:"id"`
	Name  string   `json:"name,omitempty" yaml:"name,omitempty"`
	Kind  NodeKind `json:"kind" yaml:"kind"`
	Scope string   `json:"scope,omitempty" yaml:"scope,omitempty"` // enclosing subprocess node id, empty at process root

	Event EventType `json:"event,omitempty" yaml:"event,omitempty"` // event nodes only

	Topic           string   `json:"topic,omitempty" yaml:"topic,omitempty"`
	Script          string   `json:"script,omitempty" yaml:"script,omitempty"`
	Assignee        string   `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	CandidateUsers  []string `json:"candidateUsers,omitempty" yaml:"candidateUsers,omitempty"`
	CandidateGroups []string `json:"candidateGroups,omitempty" yaml:"candidateGroups,omitempty"`

	MessageName   string `json:"messageName,omitempty" yaml:"messageName,omitempty"`
	SignalName    string `json:"signalName,omitempty" yaml:"signalName,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty" yaml:"errorCode,omitempty"`
	TimerDuration string `json:"timerDuration,omitempty" yaml:"timerDuration,omitempty"` // ISO-8601 duration

	AttachedTo     string `json:"attachedTo,omitempty" yaml:"attachedTo,omitempty"` // boundary events
	CancelActivity *bool  `json:"cancelActivity,omitempty" yaml:"cancelActivity,omitempty"`

	CalledElement string   `json:"calledElement,omitempty" yaml:"calledElement,omitempty"`
	InVariables   []string `json:"inVariables,omitempty" yaml:"inVariables,omitempty"`
	OutVariables  []string `json:"outVariables,omitempty" yaml:"outVariables,omitempty"`

	// subprocess scope attributes
	OwnVariableScope bool `json:"ownVariableScope,omitempty" yaml:"ownVariableScope,omitempty"`
	Transaction      bool `json:"transaction,omitempty" yaml:"transaction,omitempty"`

	Loop *MultiInstance `json:"loop,omitempty" yaml:"loop,omitempty"`

	ExecutionListeners []Listener `json:"executionListeners,omitempty" yaml:"executionListeners,omitempty"`
	TaskListeners      []Listener `json:"taskListeners,omitempty" yaml:"taskListeners,omitempty"`
}

// Interrupting reports whether a boundary event cancels its activity.
// BPMN defaults cancelActivity to true.
func (n FlowNode) Interrupting() bool {
	return n.CancelActivity == nil || *n.CancelActivity
}

func (n FlowNode) IsActivity() bool {
	switch n.Kind {
	case KindServiceTask, KindUserTask, KindSendTask, KindReceiveTask,
		KindScriptTask, KindManualTask, KindSubProcess, KindCallActivity:
		return true
	}
	return false
}

func (n FlowNode) IsGateway() bool {
	switch n.Kind {
	case KindExclusiveGateway, KindParallelGateway, KindInclusiveGateway, KindEventBasedGateway:
		return true
	}
	return false
}

// SequenceFlow connects two flow nodes, optionally guarded.
type SequenceFlow struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Default   bool   `json:"default,omitempty" yaml:"default,omitempty"`

	Listeners []Listener `json:"listeners,omitempty" yaml:"listeners,omitempty"`
}

type Message struct {
	Name string `json:"name" yaml:"name"`
}

type Signal struct {
	Name string `json:"name" yaml:"name"`
}

type Error struct {
	Code string `json:"code" yaml:"code"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

type DefinitionStatus string

const (
	DefinitionActive  DefinitionStatus = "active"
	DefinitionRetired DefinitionStatus = "retired"
)

// ProcessDefinition is one deployed, immutable process version.
type ProcessDefinition struct {
	ID      string           `json:"id" yaml:"id"`
	Name    string           `json:"name,omitempty" yaml:"name,omitempty"`
	Version int32            `json:"version" yaml:"version"`
	Status  DefinitionStatus `json:"status" yaml:"status"`

	Nodes    []FlowNode     `json:"nodes" yaml:"nodes"`
	Flows    []SequenceFlow `json:"flows" yaml:"flows"`
	Messages []Message      `json:"messages,omitempty" yaml:"messages,omitempty"`
	Signals  []Signal       `json:"signals,omitempty" yaml:"signals,omitempty"`
	Errors   []Error        `json:"errors,omitempty" yaml:"errors,omitempty"`

	// DiagramXML carries the original BPMN document (layout included) as
	// an opaque payload.
	DiagramXML string `json:"diagramXml,omitempty" yaml:"diagramXml,omitempty"`
}

// NodeByID returns the node or nil.
func (d *ProcessDefinition) NodeByID(id string) *FlowNode {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// FlowByID returns the sequence flow or nil.
func (d *ProcessDefinition) FlowByID(id string) *SequenceFlow {
	for i := range d.Flows {
		if d.Flows[i].ID == id {
			return &d.Flows[i]
		}
	}
	return nil
}

// OutgoingFlows returns the flows leaving a node in definition order,
// which is also gateway evaluation order.
func (d *ProcessDefinition) OutgoingFlows(nodeID string) []SequenceFlow {
	var out []SequenceFlow
	for _, f := range d.Flows {
		if f.Source == nodeID {
			out = append(out, f)
		}
	}
	return out
}

// IncomingFlows returns the flows entering a node in definition order.
func (d *ProcessDefinition) IncomingFlows(nodeID string) []SequenceFlow {
	var out []SequenceFlow
	for _, f := range d.Flows {
		if f.Target == nodeID {
			out = append(out, f)
		}
	}
	return out
}

// DefaultFlow returns the node's default sequence flow or nil.
func (d *ProcessDefinition) DefaultFlow(nodeID string) *SequenceFlow {
	for i := range d.Flows {
		if d.Flows[i].Source == nodeID && d.Flows[i].Default {
			return &d.Flows[i]
		}
	}
	return nil
}

// NodesInScope returns the nodes directly inside the given scope (empty
// scope is the process root).
func (d *ProcessDefinition) NodesInScope(scope string) []FlowNode {
	var out []FlowNode
	for _, n := range d.Nodes {
		if n.Scope == scope {
			out = append(out, n)
		}
	}
	return out
}

// StartEvents returns the start events of a scope filtered by event type.
func (d *ProcessDefinition) StartEvents(scope string, event EventType) []FlowNode {
	var out []FlowNode
	for _, n := range d.NodesInScope(scope) {
		if n.Kind == KindStartEvent && n.Event == event {
			out = append(out, n)
		}
	}
	return out
}

// BoundaryEvents returns the boundary events attached to an activity.
func (d *ProcessDefinition) BoundaryEvents(activityID string) []FlowNode {
	var out []FlowNode
	for _, n := range d.Nodes {
		if n.Kind == KindBoundaryEvent && n.AttachedTo == activityID {
			out = append(out, n)
		}
	}
	return out
}

// EventSubProcesses returns the event subprocesses declared in a scope.
func (d *ProcessDefinition) EventSubProcesses(scope string) []FlowNode {
	var out []FlowNode
	for _, n := range d.NodesInScope(scope) {
		if n.Kind == KindEventSubProcess {
			out = append(out, n)
		}
	}
	return out
}

// Normalize fills defaults before validation: event nodes without an
// explicit event type are none events.
func (d *ProcessDefinition) Normalize() {
	for i := range d.Nodes {
		n := &d.Nodes[i]
		switch n.Kind {
		case KindStartEvent, KindEndEvent, KindIntermediateThrowEvent,
			KindIntermediateCatchEvent, KindBoundaryEvent:
			if n.Event == "" {
				n.Event = EventNone
			}
		}
	}
}

// Validate performs the structural checks done at deploy time. A failed
// validation rejects the deployment with no state mutation.
func (d *ProcessDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("definition has no id")
	}
	nodeIDs := map[string]bool{}
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("definition %s: node with empty id", d.ID)
		}
		if nodeIDs[n.ID] {
			return fmt.Errorf("definition %s: duplicate node id %s", d.ID, n.ID)
		}
		nodeIDs[n.ID] = true
	}
	for _, n := range d.Nodes {
		if n.Scope != "" {
			scope := d.NodeByID(n.Scope)
			if scope == nil {
				return fmt.Errorf("definition %s: node %s references unknown scope %s", d.ID, n.ID, n.Scope)
			}
			if scope.Kind != KindSubProcess && scope.Kind != KindEventSubProcess {
				return fmt.Errorf("definition %s: node %s scope %s is not a subprocess", d.ID, n.ID, n.Scope)
			}
		}
		if n.Kind == KindBoundaryEvent {
			if n.AttachedTo == "" || !nodeIDs[n.AttachedTo] {
				return fmt.Errorf("definition %s: boundary event %s attached to unknown activity %q", d.ID, n.ID, n.AttachedTo)
			}
		}
		if n.Kind == KindCallActivity && n.CalledElement == "" {
			return fmt.Errorf("definition %s: call activity %s has no calledElement", d.ID, n.ID)
		}
		if n.Kind == KindEventSubProcess {
			if len(d.StartEvents(n.ID, EventMessage))+len(d.StartEvents(n.ID, EventTimer))+
				len(d.StartEvents(n.ID, EventError))+len(d.StartEvents(n.ID, EventSignal))+
				len(d.StartEvents(n.ID, EventEscalation))+len(d.StartEvents(n.ID, EventConditional)) == 0 {
				return fmt.Errorf("definition %s: event subprocess %s has no event start event", d.ID, n.ID)
			}
		}
	}
	for _, f := range d.Flows {
		if !nodeIDs[f.Source] {
			return fmt.Errorf("definition %s: flow %s has unknown source %s", d.ID, f.ID, f.Source)
		}
		if !nodeIDs[f.Target] {
			return fmt.Errorf("definition %s: flow %s has unknown target %s", d.ID, f.ID, f.Target)
		}
		if f.Default && f.Condition != "" {
			return fmt.Errorf("definition %s: flow %s is default but carries a condition", d.ID, f.ID)
		}
	}
	if len(d.StartEvents("", EventNone))+len(d.StartEvents("", EventMessage))+
		len(d.StartEvents("", EventTimer))+len(d.StartEvents("", EventSignal)) == 0 {
		return fmt.Errorf("definition %s: no start event at process root", d.ID)
	}
	return nil
}
