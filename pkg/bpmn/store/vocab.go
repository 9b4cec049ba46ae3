// Package store maps the engine's runtime records onto the five named
// graphs of the RDF quadstore. Each repository owns one record family
// and performs its reads and writes under the store's per-graph locks;
// cross-record consistency is the engine's job (it holds the instance
// lock across repository calls).
package store

import (
	"github.com/spear-bpm/spear/pkg/rdf"
)

// Vocabulary namespaces. Predicates live under NS; entity identifiers
// are minted in purpose-specific id spaces so graph dumps stay readable.
const (
	NS = "https://spear-bpm.dev/vocab/bpmn#"

	NSProcess      = "https://spear-bpm.dev/process/"
	NSInstance     = "https://spear-bpm.dev/instance/"
	NSToken        = "https://spear-bpm.dev/token/"
	NSVar          = "https://spear-bpm.dev/var#"
	NSTask         = "https://spear-bpm.dev/task/"
	NSAudit        = "https://spear-bpm.dev/audit/"
	NSTimer        = "https://spear-bpm.dev/timer/"
	NSSubscription = "https://spear-bpm.dev/subscription/"
)

// Predicates shared by the repositories.
var (
	rdfType = rdf.IRI("http://www.w3.org/1999/02/22-rdf-syntax-ns#type")

	classDefinition   = rdf.IRI(NS + "ProcessDefinition")
	classInstance     = rdf.IRI(NS + "ProcessInstance")
	classToken        = rdf.IRI(NS + "Token")
	classUserTask     = rdf.IRI(NS + "UserTask")
	classTimerJob     = rdf.IRI(NS + "TimerJob")
	classSubscription = rdf.IRI(NS + "MessageSubscription")
	classAuditEvent   = rdf.IRI(NS + "AuditEvent")

	pName    = rdf.IRI(NS + "name")
	pVersion = rdf.IRI(NS + "version")
	pStatus  = rdf.IRI(NS + "status")
	pPayload = rdf.IRI(NS + "payload")

	pDefinition  = rdf.IRI(NS + "definition")
	pCreatedAt   = rdf.IRI(NS + "createdAt")
	pUpdatedAt   = rdf.IRI(NS + "updatedAt")
	pCompletedAt = rdf.IRI(NS + "completedAt")
	pClaimedAt   = rdf.IRI(NS + "claimedAt")

	pParentInstance = rdf.IRI(NS + "parentInstance")
	pParentNode     = rdf.IRI(NS + "parentNode")
	pParentToken    = rdf.IRI(NS + "parentToken")

	pInstance   = rdf.IRI(NS + "instance")
	pToken      = rdf.IRI(NS + "token")
	pNode       = rdf.IRI(NS + "node")
	pState      = rdf.IRI(NS + "state")
	pScopePath  = rdf.IRI(NS + "scopePath")
	pResumeKind = rdf.IRI(NS + "resumeKind")
	pResumeKey  = rdf.IRI(NS + "resumeKey")
	pLoopIndex  = rdf.IRI(NS + "loopIndex")
	pMIGroup    = rdf.IRI(NS + "miGroup")

	pAssignee        = rdf.IRI(NS + "assignee")
	pCandidateUser   = rdf.IRI(NS + "candidateUser")
	pCandidateGroup  = rdf.IRI(NS + "candidateGroup")

	pDueAt          = rdf.IRI(NS + "dueAt")
	pLeaseHolder    = rdf.IRI(NS + "leaseHolder")
	pLeaseExpiresAt = rdf.IRI(NS + "leaseExpiresAt")
	pAttempts       = rdf.IRI(NS + "attempts")

	pMessageName    = rdf.IRI(NS + "messageName")
	pCorrelationKey = rdf.IRI(NS + "correlationKey")
	pSignal         = rdf.IRI(NS + "signal")
	pBoundary       = rdf.IRI(NS + "boundary")
	pGateway        = rdf.IRI(NS + "gateway")

	pSeq       = rdf.IRI(NS + "seq")
	pEventType = rdf.IRI(NS + "eventType")
	pTimestamp = rdf.IRI(NS + "timestamp")
	pActor     = rdf.IRI(NS + "actor")
	pDetails   = rdf.IRI(NS + "details")
)

func DefinitionIRI(id string) rdf.Term   { return rdf.IRI(NSProcess + id) }
func InstanceIRI(id string) rdf.Term     { return rdf.IRI(NSInstance + id) }
func TokenIRI(id string) rdf.Term        { return rdf.IRI(NSToken + id) }
func TaskIRI(id string) rdf.Term         { return rdf.IRI(NSTask + id) }
func TimerIRI(id string) rdf.Term        { return rdf.IRI(NSTimer + id) }
func SubscriptionIRI(id string) rdf.Term { return rdf.IRI(NSSubscription + id) }
func AuditIRI(id string) rdf.Term        { return rdf.IRI(NSAudit + id) }

// VarPredicate names a process variable as a predicate in the var#
// namespace, which is what the condition evaluator's lowered ASK queries
// match against.
func VarPredicate(name string) rdf.Term { return rdf.IRI(NSVar + name) }

// ScopeIRI identifies a variable scope. The instance scope is the
// instance IRI itself; subprocess scopes hang off it; MI-local scopes are
// the iteration token's IRI.
func ScopeIRI(instanceID, scopeID string) rdf.Term {
	if scopeID == "" {
		return InstanceIRI(instanceID)
	}
	return rdf.IRI(NSInstance + instanceID + "/scope/" + scopeID)
}

func localID(t rdf.Term, ns string) string {
	if len(t.Value) > len(ns) && t.Value[:len(ns)] == ns {
		return t.Value[len(ns):]
	}
	return t.Value
}
