package store

import (
	"sort"

	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
	"github.com/spear-bpm/spear/pkg/rdf"
)

// AuditRepo appends to the log graph. The log is append-only: there is
// deliberately no update or delete here. Ordering within an instance is
// by the engine-assigned sequence key, which is monotone even when two
// events share a timestamp.
type AuditRepo struct {
	store *rdf.Store
}

func NewAuditRepo(store *rdf.Store) *AuditRepo {
	return &AuditRepo{store: store}
}

func (r *AuditRepo) Append(ev *runtime.AuditEvent) error {
	return r.store.Update(rdf.GraphLog, func(g *rdf.Graph) error {
		iri := AuditIRI(ev.ID)
		g.Add(rdf.Triple{S: iri, P: rdfType, O: classAuditEvent})
		g.Add(rdf.Triple{S: iri, P: pInstance, O: InstanceIRI(ev.InstanceID)})
		g.Add(rdf.Triple{S: iri, P: pSeq, O: rdf.Integer(ev.Seq)})
		g.Add(rdf.Triple{S: iri, P: pEventType, O: rdf.String(ev.Type)})
		g.Add(rdf.Triple{S: iri, P: pTimestamp, O: rdf.DateTime(ev.Timestamp)})
		g.Add(rdf.Triple{S: iri, P: pActor, O: rdf.String(ev.Actor)})
		if ev.NodeID != "" {
			g.Add(rdf.Triple{S: iri, P: pNode, O: rdf.String(ev.NodeID)})
		}
		if ev.Details != "" {
			g.Add(rdf.Triple{S: iri, P: pDetails, O: rdf.String(ev.Details)})
		}
		return nil
	})
}

// ByInstance returns the instance's audit trail in emission order.
func (r *AuditRepo) ByInstance(instanceID string) ([]*runtime.AuditEvent, error) {
	var out []*runtime.AuditEvent
	err := r.store.View(rdf.GraphLog, func(g *rdf.Graph) error {
		for _, s := range g.Subjects(pInstance, InstanceIRI(instanceID)) {
			if !g.Has(rdf.Triple{S: s, P: rdfType, O: classAuditEvent}) {
				continue
			}
			ev := &runtime.AuditEvent{
				ID:         localID(s, NSAudit),
				InstanceID: instanceID,
				NodeID:     g.One(s, pNode).Value,
				Type:       g.One(s, pEventType).Value,
				Actor:      g.One(s, pActor).Value,
				Details:    g.One(s, pDetails).Value,
			}
			ev.Seq, _ = g.One(s, pSeq).AsInt()
			ev.Timestamp, _ = g.One(s, pTimestamp).AsTime()
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Types projects the trail of ByInstance to its event types, in order.
func (r *AuditRepo) Types(instanceID string) ([]string, error) {
	events, err := r.ByInstance(instanceID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out, nil
}
