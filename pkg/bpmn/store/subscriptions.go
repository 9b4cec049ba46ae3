package store

import (
	"fmt"
	"sort"

	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
	"github.com/spear-bpm/spear/pkg/rdf"
)

// SubscriptionRepo persists message and signal subscriptions in the inst
// graph, next to the tokens they park.
type SubscriptionRepo struct {
	store *rdf.Store
}

func NewSubscriptionRepo(store *rdf.Store) *SubscriptionRepo {
	return &SubscriptionRepo{store: store}
}

func (r *SubscriptionRepo) Save(sub *runtime.MessageSubscription) error {
	return r.store.Update(rdf.GraphInst, func(g *rdf.Graph) error {
		iri := SubscriptionIRI(sub.ID)
		g.Add(rdf.Triple{S: iri, P: rdfType, O: classSubscription})
		g.SetOne(iri, pInstance, InstanceIRI(sub.InstanceID))
		g.SetOne(iri, pToken, TokenIRI(sub.TokenID))
		g.SetOne(iri, pNode, rdf.String(sub.NodeID))
		g.SetOne(iri, pMessageName, rdf.String(sub.Name))
		g.SetOne(iri, pCreatedAt, rdf.DateTime(sub.CreatedAt))
		if sub.CorrelationKey != "" {
			g.SetOne(iri, pCorrelationKey, rdf.String(sub.CorrelationKey))
		}
		if sub.Signal {
			g.SetOne(iri, pSignal, rdf.Boolean(true))
		}
		if sub.Boundary {
			g.SetOne(iri, pBoundary, rdf.Boolean(true))
		}
		if sub.GatewayID != "" {
			g.SetOne(iri, pGateway, rdf.String(sub.GatewayID))
		}
		return nil
	})
}

func (r *SubscriptionRepo) Get(id string) (*runtime.MessageSubscription, error) {
	var sub *runtime.MessageSubscription
	err := r.store.View(rdf.GraphInst, func(g *rdf.Graph) error {
		iri := SubscriptionIRI(id)
		if !g.Has(rdf.Triple{S: iri, P: rdfType, O: classSubscription}) {
			return fmt.Errorf("subscription %s not found", id)
		}
		sub = readSubscription(g, iri)
		return nil
	})
	return sub, err
}

func readSubscription(g *rdf.Graph, iri rdf.Term) *runtime.MessageSubscription {
	sub := &runtime.MessageSubscription{
		ID:             localID(iri, NSSubscription),
		InstanceID:     localID(g.One(iri, pInstance), NSInstance),
		TokenID:        localID(g.One(iri, pToken), NSToken),
		NodeID:         g.One(iri, pNode).Value,
		Name:           g.One(iri, pMessageName).Value,
		CorrelationKey: g.One(iri, pCorrelationKey).Value,
		GatewayID:      g.One(iri, pGateway).Value,
	}
	sub.CreatedAt, _ = g.One(iri, pCreatedAt).AsTime()
	sub.Signal, _ = g.One(iri, pSignal).AsBool()
	sub.Boundary, _ = g.One(iri, pBoundary).AsBool()
	return sub
}

// Remove deletes the subscription; removing an absent one is a no-op.
func (r *SubscriptionRepo) Remove(id string) error {
	return r.store.Update(rdf.GraphInst, func(g *rdf.Graph) error {
		iri := SubscriptionIRI(id)
		g.RemovePattern(&iri, nil, nil)
		return nil
	})
}

func (r *SubscriptionRepo) all(filter func(*runtime.MessageSubscription) bool) ([]*runtime.MessageSubscription, error) {
	var out []*runtime.MessageSubscription
	err := r.store.View(rdf.GraphInst, func(g *rdf.Graph) error {
		for _, s := range g.Subjects(rdfType, classSubscription) {
			sub := readSubscription(g, s)
			if filter(sub) {
				out = append(out, sub)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// FIFO by creation; id breaks timestamp ties deterministically
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ForMessage returns the message subscriptions matching (name, key) in
// FIFO order. A subscription with an empty correlation key matches any
// key.
func (r *SubscriptionRepo) ForMessage(name, correlationKey string) ([]*runtime.MessageSubscription, error) {
	return r.all(func(sub *runtime.MessageSubscription) bool {
		if sub.Signal || sub.Name != name {
			return false
		}
		return sub.CorrelationKey == "" || sub.CorrelationKey == correlationKey
	})
}

// ForSignal returns every signal subscription with the given name.
func (r *SubscriptionRepo) ForSignal(name string) ([]*runtime.MessageSubscription, error) {
	return r.all(func(sub *runtime.MessageSubscription) bool {
		return sub.Signal && sub.Name == name
	})
}

// ByToken returns the token's live subscriptions.
func (r *SubscriptionRepo) ByToken(tokenID string) ([]*runtime.MessageSubscription, error) {
	return r.all(func(sub *runtime.MessageSubscription) bool {
		return sub.TokenID == tokenID
	})
}

// ByGateway returns the one-shot subscriptions of an event-based
// gateway activation.
func (r *SubscriptionRepo) ByGateway(tokenID, gatewayID string) ([]*runtime.MessageSubscription, error) {
	return r.all(func(sub *runtime.MessageSubscription) bool {
		return sub.TokenID == tokenID && sub.GatewayID == gatewayID
	})
}

// ByInstance returns the instance's live subscriptions.
func (r *SubscriptionRepo) ByInstance(instanceID string) ([]*runtime.MessageSubscription, error) {
	return r.all(func(sub *runtime.MessageSubscription) bool {
		return sub.InstanceID == instanceID
	})
}
