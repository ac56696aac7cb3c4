// Package blockgraph holds the in-memory block graph of one project and the
// parser that builds it from a normalized project document.
package blockgraph

import "encoding/json"

// Current is the schema version every document is normalized to.
const Current = 3

// InputKind tells how an input slot is filled.
type InputKind int

const (
	InputEmpty   InputKind = iota // null or otherwise unusable value
	InputBlock                    // reference to another block in the same entity
	InputLiteral                  // literal descriptor: [type, payload, ...]
)

// Input is one entry of a block's inputs map, in document order.
type Input struct {
	Name string
	Kind InputKind

	// Ref is the referenced block id when Kind == InputBlock.
	Ref string

	// LiteralType is the leading discriminant of a literal descriptor
	// (12 = variable, 13 = list, anything else = number/text).
	LiteralType int
	// Payload is the raw JSON of the descriptor's second element.
	Payload json.RawMessage
}

// EmptyPayload reports whether a literal carries the empty string.
func (in Input) EmptyPayload() bool {
	return string(in.Payload) == `""`
}

// Field is one dropdown-style attribute of a block.
type Field struct {
	Name  string
	Value json.RawMessage
}

// Block is a node in an entity's graph.
type Block struct {
	ID       string
	Opcode   string
	Next     string // empty when the block ends its stack
	Parent   string
	TopLevel bool
	Shadow   bool
	Inputs   []Input
	Fields   []Field
}

// Input returns the named input and whether it exists.
func (b *Block) Input(name string) (Input, bool) {
	for _, in := range b.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return Input{}, false
}

// HasField reports whether the block carries the named field.
func (b *Block) HasField(name string) bool {
	for _, f := range b.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Entity is the stage or a sprite. It owns every block it references.
type Entity struct {
	Name    string
	IsStage bool

	blocks map[string]*Block
	order  []string
}

// NewEntity creates an empty entity.
func NewEntity(name string, isStage bool) *Entity {
	return &Entity{
		Name:    name,
		IsStage: isStage,
		blocks:  make(map[string]*Block),
	}
}

// Add stores a block, keeping first-seen order. A repeated id replaces the
// block but keeps its original position.
func (e *Entity) Add(b *Block) {
	if _, ok := e.blocks[b.ID]; !ok {
		e.order = append(e.order, b.ID)
	}
	e.blocks[b.ID] = b
}

// Lookup returns the block with the given id, or nil.
func (e *Entity) Lookup(id string) *Block {
	if id == "" {
		return nil
	}
	return e.blocks[id]
}

// Blocks returns the entity's blocks in document order.
func (e *Entity) Blocks() []*Block {
	out := make([]*Block, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.blocks[id])
	}
	return out
}

// Len returns the number of blocks.
func (e *Entity) Len() int { return len(e.order) }

// Project is an ordered collection of entities at one schema version.
type Project struct {
	SchemaVersion int
	Entities      []*Entity
}

// Stage returns the project's stage entity, or nil.
func (p *Project) Stage() *Entity {
	for _, e := range p.Entities {
		if e.IsStage {
			return e
		}
	}
	return nil
}
