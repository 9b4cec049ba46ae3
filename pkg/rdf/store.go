package rdf

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// GraphName identifies one of the store's named graphs.
type GraphName string

const (
	GraphDefs   GraphName = "defs"
	GraphInst   GraphName = "inst"
	GraphTasks  GraphName = "tasks"
	GraphLog    GraphName = "log"
	GraphTimers GraphName = "timers"
)

// GraphNames lists every named graph in snapshot order.
var GraphNames = []GraphName{GraphDefs, GraphInst, GraphTasks, GraphLog, GraphTimers}

// StoreError wraps I/O and serialization failures of the quadstore.
type StoreError struct {
	Op    string
	Graph GraphName
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("graph store %s on %q: %s", e.Op, e.Graph, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

type namedGraph struct {
	mu sync.RWMutex
	g  *Graph
}

// Store is the quadstore: five named graphs, each with a single-writer /
// many-readers lock and a crash safe snapshot file. Cross graph atomicity
// is not provided; callers that touch multiple graphs hold their own
// higher level lock (the engine's per-instance lock).
type Store struct {
	dir    string
	graphs map[GraphName]*namedGraph
	logger hclog.Logger
}

// Open loads all named graphs from dir, creating empty graphs for missing
// snapshot files. An empty dir keeps the store memory-only.
func Open(dir string, logger hclog.Logger) (*Store, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Store{
		dir:    dir,
		graphs: map[GraphName]*namedGraph{},
		logger: logger.Named("graph-store"),
	}
	for _, name := range GraphNames {
		g := NewGraph()
		if dir != "" {
			data, err := os.ReadFile(s.snapshotPath(name))
			switch {
			case os.IsNotExist(err):
				// first run for this graph
			case err != nil:
				return nil, &StoreError{Op: "load", Graph: name, Err: err}
			default:
				g, err = ParseNTriples(data)
				if err != nil {
					return nil, &StoreError{Op: "parse", Graph: name, Err: err}
				}
				s.logger.Debug("loaded graph snapshot", "graph", name, "triples", g.Len())
			}
		}
		s.graphs[name] = &namedGraph{g: g}
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StoreError{Op: "mkdir", Graph: "", Err: err}
		}
	}
	return s, nil
}

func (s *Store) snapshotPath(name GraphName) string {
	return filepath.Join(s.dir, string(name)+".nt")
}

// View runs fn with shared (read) access to the named graph.
func (s *Store) View(name GraphName, fn func(g *Graph) error) error {
	ng, ok := s.graphs[name]
	if !ok {
		return &StoreError{Op: "view", Graph: name, Err: fmt.Errorf("unknown named graph")}
	}
	ng.mu.RLock()
	defer ng.mu.RUnlock()
	return fn(ng.g)
}

// Update runs fn with exclusive (write) access to the named graph.
func (s *Store) Update(name GraphName, fn func(g *Graph) error) error {
	ng, ok := s.graphs[name]
	if !ok {
		return &StoreError{Op: "update", Graph: name, Err: fmt.Errorf("unknown named graph")}
	}
	ng.mu.Lock()
	defer ng.mu.Unlock()
	return fn(ng.g)
}

// Snapshot serializes the named graph in canonical N-Triples.
func (s *Store) Snapshot(name GraphName) ([]byte, error) {
	var data []byte
	err := s.View(name, func(g *Graph) error {
		data = SerializeNTriples(g)
		return nil
	})
	return data, err
}

// Restore replaces the named graph content from a serialized snapshot.
func (s *Store) Restore(name GraphName, data []byte) error {
	g, err := ParseNTriples(data)
	if err != nil {
		return &StoreError{Op: "restore", Graph: name, Err: err}
	}
	return s.Update(name, func(old *Graph) error {
		*old = *g
		return nil
	})
}

// Save writes the named graph snapshot atomically (temp file + rename).
// A memory-only store ignores saves.
func (s *Store) Save(name GraphName) error {
	if s.dir == "" {
		return nil
	}
	data, err := s.Snapshot(name)
	if err != nil {
		return err
	}
	path := s.snapshotPath(name)
	tmp, err := os.CreateTemp(s.dir, string(name)+".*.tmp")
	if err != nil {
		return &StoreError{Op: "save", Graph: name, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &StoreError{Op: "save", Graph: name, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &StoreError{Op: "save", Graph: name, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &StoreError{Op: "save", Graph: name, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &StoreError{Op: "save", Graph: name, Err: err}
	}
	return nil
}

// SaveAll snapshots every named graph.
func (s *Store) SaveAll() error {
	for _, name := range GraphNames {
		if err := s.Save(name); err != nil {
			return err
		}
	}
	return nil
}
