// Package scene loads avatar models and exposes their morph-target nodes by name.
package scene

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/qmuntal/gltf"

	"github.com/snarg/avatar-engine/internal/viseme"
)

// Default node names of a Ready Player Me avatar.
const (
	HeadNode  = "Wolf3D_Head"
	TeethNode = "Wolf3D_Teeth"
)

// ErrNodeNotFound is returned when a named morph node is absent from the scene.
var ErrNodeNotFound = errors.New("morph node not found")

// Scene is the set of morph-target-bearing nodes of one loaded model.
type Scene struct {
	Source string
	nodes  map[string]*viseme.MorphTarget
}

// New builds a scene from already constructed nodes.
func New(source string, nodes ...*viseme.MorphTarget) *Scene {
	s := &Scene{Source: source, nodes: make(map[string]*viseme.MorphTarget, len(nodes))}
	for _, n := range nodes {
		s.nodes[n.Name] = n
	}
	return s
}

// Default returns a synthetic head/teeth pair carrying the viseme channels,
// used when no model file is configured.
func Default() *Scene {
	channels := viseme.Channels()
	return New("builtin",
		viseme.NewMorphTarget(HeadNode, channels),
		viseme.NewMorphTarget(TeethNode, channels),
	)
}

// MorphTarget returns the named node or an ErrNodeNotFound diagnostic listing
// the nodes that do exist.
func (s *Scene) MorphTarget(name string) (*viseme.MorphTarget, error) {
	if n, ok := s.nodes[name]; ok {
		return n, nil
	}
	return nil, fmt.Errorf("%w: %q in %s (available: %s)", ErrNodeNotFound, name, s.Source, strings.Join(s.Names(), ", "))
}

// Pair resolves the head and teeth nodes in one call.
func (s *Scene) Pair(head, teeth string) (*viseme.MorphTarget, *viseme.MorphTarget, error) {
	h, err := s.MorphTarget(head)
	if err != nil {
		return nil, nil, err
	}
	t, err := s.MorphTarget(teeth)
	if err != nil {
		return nil, nil, err
	}
	return h, t, nil
}

// Names lists node names in sorted order.
func (s *Scene) Names() []string {
	names := make([]string, 0, len(s.nodes))
	for n := range s.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load reads a .glb or .gltf file.
func Load(path string) (*Scene, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gltf: %w", err)
	}
	s, err := FromDocument(path, doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// FromDocument extracts every node that references a mesh with morph targets.
// Channel names come from mesh.extras.targetNames; unnamed targets become
// target_<i>. Initial influences come from mesh.weights.
func FromDocument(source string, doc *gltf.Document) (*Scene, error) {
	s := &Scene{Source: source, nodes: make(map[string]*viseme.MorphTarget)}
	for _, node := range doc.Nodes {
		if node.Mesh == nil || int(*node.Mesh) >= len(doc.Meshes) {
			continue
		}
		mesh := doc.Meshes[*node.Mesh]
		count := targetCount(mesh)
		if count == 0 {
			continue
		}

		name := node.Name
		if name == "" {
			name = mesh.Name
		}
		if name == "" {
			continue
		}

		names := targetNames(mesh.Extras, count)
		mt := viseme.NewMorphTarget(name, names)
		for i, w := range mesh.Weights {
			if i < len(mt.Influences) {
				mt.Influences[i] = float64(w)
			}
		}
		s.nodes[name] = mt
	}
	if len(s.nodes) == 0 {
		return nil, errors.New("no morph-target nodes in model")
	}
	return s, nil
}

func targetCount(mesh *gltf.Mesh) int {
	n := 0
	for _, p := range mesh.Primitives {
		if len(p.Targets) > n {
			n = len(p.Targets)
		}
	}
	return n
}

func targetNames(extras any, count int) []string {
	names := make([]string, count)
	for i := range names {
		names[i] = fmt.Sprintf("target_%d", i)
	}

	m, ok := extras.(map[string]any)
	if !ok {
		return names
	}
	switch list := m["targetNames"].(type) {
	case []any:
		for i, v := range list {
			if str, ok := v.(string); ok && i < count {
				names[i] = str
			}
		}
	case []string:
		for i, str := range list {
			if i < count {
				names[i] = str
			}
		}
	}
	return names
}
