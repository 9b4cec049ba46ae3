package store

import (
	"encoding/json"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/rdf"
)

const definitionCacheSize = 128

// DefinitionRepo persists deployed process definitions in the defs
// graph. The queryable attributes (name, version, status) become
// individual triples; the full node/flow record set travels as a single
// canonical JSON payload literal, mirroring how the original BPMN
// document is kept as an opaque blob. Decoded definitions are cached;
// a deployed version never mutates, so cached entries only leave by
// eviction or retirement.
type DefinitionRepo struct {
	store *rdf.Store
	cache *lru.Cache[string, *model.ProcessDefinition]
}

func NewDefinitionRepo(store *rdf.Store) (*DefinitionRepo, error) {
	cache, err := lru.New[string, *model.ProcessDefinition](definitionCacheSize)
	if err != nil {
		return nil, err
	}
	return &DefinitionRepo{store: store, cache: cache}, nil
}

// Deploy validates and persists a definition. The version is assigned
// here: one greater than the highest deployed version of the same id.
// The stored key is "<id>:<version>" so every version stays addressable.
func (r *DefinitionRepo) Deploy(def *model.ProcessDefinition) (string, error) {
	def.Normalize()
	if err := def.Validate(); err != nil {
		return "", err
	}
	var key string
	err := r.store.Update(rdf.GraphDefs, func(g *rdf.Graph) error {
		maxVersion := int32(0)
		for _, s := range g.Subjects(rdfType, classDefinition) {
			if g.One(s, pName).Value == def.ID {
				if v, err := g.One(s, pVersion).AsInt(); err == nil && int32(v) > maxVersion {
					maxVersion = int32(v)
				}
			}
		}
		def.Version = maxVersion + 1
		def.Status = model.DefinitionActive
		key = fmt.Sprintf("%s:%d", def.ID, def.Version)

		payload, err := json.Marshal(def)
		if err != nil {
			return err
		}
		iri := DefinitionIRI(key)
		g.Add(rdf.Triple{S: iri, P: rdfType, O: classDefinition})
		g.Add(rdf.Triple{S: iri, P: pName, O: rdf.String(def.ID)})
		g.Add(rdf.Triple{S: iri, P: pVersion, O: rdf.Integer(int64(def.Version))})
		g.Add(rdf.Triple{S: iri, P: pStatus, O: rdf.String(string(def.Status))})
		g.Add(rdf.Triple{S: iri, P: pPayload, O: rdf.String(string(payload))})
		return nil
	})
	if err != nil {
		return "", err
	}
	r.cache.Add(key, def)
	return key, nil
}

// Get returns the definition stored under key ("<id>:<version>").
func (r *DefinitionRepo) Get(key string) (*model.ProcessDefinition, error) {
	if def, ok := r.cache.Get(key); ok {
		return def, nil
	}
	var def *model.ProcessDefinition
	err := r.store.View(rdf.GraphDefs, func(g *rdf.Graph) error {
		iri := DefinitionIRI(key)
		if !g.Has(rdf.Triple{S: iri, P: rdfType, O: classDefinition}) {
			return fmt.Errorf("definition %s not found", key)
		}
		payload := g.One(iri, pPayload)
		d := &model.ProcessDefinition{}
		if err := json.Unmarshal([]byte(payload.Value), d); err != nil {
			return fmt.Errorf("definition %s: corrupt payload: %w", key, err)
		}
		d.Status = model.DefinitionStatus(g.One(iri, pStatus).Value)
		def = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, def)
	return def, nil
}

// Latest returns the highest active version of a process id.
func (r *DefinitionRepo) Latest(processID string) (*model.ProcessDefinition, error) {
	var key string
	err := r.store.View(rdf.GraphDefs, func(g *rdf.Graph) error {
		best := int32(0)
		for _, s := range g.Subjects(rdfType, classDefinition) {
			if g.One(s, pName).Value != processID {
				continue
			}
			if g.One(s, pStatus).Value != string(model.DefinitionActive) {
				continue
			}
			if v, err := g.One(s, pVersion).AsInt(); err == nil && int32(v) > best {
				best = int32(v)
				key = localID(s, NSProcess)
			}
		}
		if key == "" {
			return fmt.Errorf("no active definition for process %s", processID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.Get(key)
}

// DefinitionInfo is the listing row for a deployed version.
type DefinitionInfo struct {
	Key     string                 `json:"key"`
	ID      string                 `json:"id"`
	Version int32                  `json:"version"`
	Status  model.DefinitionStatus `json:"status"`
}

// List returns every deployed version, ordered by id then version.
func (r *DefinitionRepo) List() ([]DefinitionInfo, error) {
	var out []DefinitionInfo
	err := r.store.View(rdf.GraphDefs, func(g *rdf.Graph) error {
		for _, s := range g.Subjects(rdfType, classDefinition) {
			v, _ := g.One(s, pVersion).AsInt()
			out = append(out, DefinitionInfo{
				Key:     localID(s, NSProcess),
				ID:      g.One(s, pName).Value,
				Version: int32(v),
				Status:  model.DefinitionStatus(g.One(s, pStatus).Value),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// Retire marks every version of a process id retired; new instances are
// rejected, running ones finish undisturbed.
func (r *DefinitionRepo) Retire(processID string) error {
	found := false
	err := r.store.Update(rdf.GraphDefs, func(g *rdf.Graph) error {
		for _, s := range g.Subjects(rdfType, classDefinition) {
			if g.One(s, pName).Value != processID {
				continue
			}
			found = true
			g.SetOne(s, pStatus, rdf.String(string(model.DefinitionRetired)))
			r.cache.Remove(localID(s, NSProcess))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no definition for process %s", processID)
	}
	return nil
}
