package blockgraph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotProject means the body is not a recognizable project document.
	ErrNotProject = errors.New("not a project document")
	// ErrUnsupportedVersion means the document is not at the current schema version.
	ErrUnsupportedVersion = errors.New("unsupported project schema version")
	// ErrMalformed means a target or block does not have the expected shape.
	ErrMalformed = errors.New("malformed document")
	// ErrDanglingReference means a block references an id its entity does not own.
	ErrDanglingReference = errors.New("dangling block reference")
	// ErrCycle means following next/input references loops back on itself.
	ErrCycle = errors.New("block reference cycle")
	// ErrStageCount means the project does not have exactly one stage.
	ErrStageCount = errors.New("project must have exactly one stage")
)

// ParseError locates a parse failure inside the document.
type ParseError struct {
	Entity string
	Block  string
	Err    error
}

func (e *ParseError) Error() string {
	switch {
	case e.Block != "":
		return fmt.Sprintf("parse: entity %q block %q: %v", e.Entity, e.Block, e.Err)
	case e.Entity != "":
		return fmt.Sprintf("parse: entity %q: %v", e.Entity, e.Err)
	default:
		return fmt.Sprintf("parse: %v", e.Err)
	}
}

func (e *ParseError) Unwrap() error { return e.Err }

// DetectVersion classifies a raw project body by schema version.
//
//	1: binary Scratch 1.x file ("ScratchV0" magic)
//	2: JSON with objName/children at the root
//	3: JSON with a targets array
func DetectVersion(body []byte) (int, error) {
	trimmed := bytes.TrimSpace(body)
	if bytes.HasPrefix(trimmed, []byte("ScratchV0")) {
		return 1, nil
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return 0, ErrNotProject
	}

	var probe struct {
		Targets  json.RawMessage `json:"targets"`
		ObjName  json.RawMessage `json:"objName"`
		Children json.RawMessage `json:"children"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotProject, err)
	}
	switch {
	case probe.Targets != nil:
		return 3, nil
	case probe.ObjName != nil || probe.Children != nil:
		return 2, nil
	}
	return 0, ErrNotProject
}

type rawTarget struct {
	IsStage bool            `json:"isStage"`
	Name    string          `json:"name"`
	Blocks  json.RawMessage `json:"blocks"`
}

type rawBlock struct {
	Opcode   string          `json:"opcode"`
	Next     *string         `json:"next"`
	Parent   *string         `json:"parent"`
	TopLevel bool            `json:"topLevel"`
	Shadow   bool            `json:"shadow"`
	Inputs   json.RawMessage `json:"inputs"`
	Fields   json.RawMessage `json:"fields"`
}

// Parse builds a Project from a normalized (schema 3) document body. Every
// failure is a *ParseError.
func Parse(body []byte) (*Project, error) {
	version, err := DetectVersion(body)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	if version != Current {
		return nil, &ParseError{Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)}
	}

	var doc struct {
		Targets []rawTarget `json:"targets"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &ParseError{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	project := &Project{SchemaVersion: version}
	stages := 0
	for _, t := range doc.Targets {
		entity, err := parseTarget(t)
		if err != nil {
			return nil, err
		}
		if entity.IsStage {
			stages++
		}
		project.Entities = append(project.Entities, entity)
	}
	if stages != 1 {
		return nil, &ParseError{Err: fmt.Errorf("%w: found %d", ErrStageCount, stages)}
	}

	for _, entity := range project.Entities {
		if err := validate(entity); err != nil {
			return nil, err
		}
	}
	return project, nil
}

func parseTarget(t rawTarget) (*Entity, error) {
	entity := NewEntity(t.Name, t.IsStage)
	err := eachMember(t.Blocks, func(id string, raw json.RawMessage) error {
		// Loose top-level variable/list reporters are stored as arrays.
		if firstByte(raw) == '[' {
			return nil
		}
		b, err := parseBlock(id, raw)
		if err != nil {
			return &ParseError{Entity: t.Name, Block: id, Err: err}
		}
		entity.Add(b)
		return nil
	})
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &ParseError{Entity: t.Name, Err: fmt.Errorf("%w: blocks: %v", ErrMalformed, err)}
	}
	return entity, nil
}

func parseBlock(id string, raw json.RawMessage) (*Block, error) {
	var rb rawBlock
	if err := json.Unmarshal(raw, &rb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if rb.Opcode == "" {
		return nil, fmt.Errorf("%w: missing opcode", ErrMalformed)
	}

	b := &Block{
		ID:       id,
		Opcode:   rb.Opcode,
		TopLevel: rb.TopLevel,
		Shadow:   rb.Shadow,
	}
	if rb.Next != nil {
		b.Next = *rb.Next
	}
	if rb.Parent != nil {
		b.Parent = *rb.Parent
	}

	err := eachMember(rb.Inputs, func(name string, val json.RawMessage) error {
		in, err := parseInput(name, val)
		if err != nil {
			return err
		}
		b.Inputs = append(b.Inputs, in)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: inputs: %v", ErrMalformed, err)
	}

	err = eachMember(rb.Fields, func(name string, val json.RawMessage) error {
		b.Fields = append(b.Fields, Field{Name: name, Value: val})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fields: %v", ErrMalformed, err)
	}
	return b, nil
}

// parseInput decodes [shadowType, value, shadowValue?]. Only value matters:
// a string is a block id, an array is a literal descriptor, anything else is empty.
func parseInput(name string, raw json.RawMessage) (Input, error) {
	in := Input{Name: name}
	var slot []json.RawMessage
	if err := json.Unmarshal(raw, &slot); err != nil {
		return in, fmt.Errorf("input %q: %v", name, err)
	}
	if len(slot) < 2 {
		return in, nil
	}

	value := slot[1]
	switch firstByte(value) {
	case '"':
		if err := json.Unmarshal(value, &in.Ref); err != nil {
			return in, fmt.Errorf("input %q: %v", name, err)
		}
		in.Kind = InputBlock
	case '[':
		var desc []json.RawMessage
		if err := json.Unmarshal(value, &desc); err != nil {
			return in, fmt.Errorf("input %q: %v", name, err)
		}
		in.Kind = InputLiteral
		if len(desc) > 0 {
			var t float64
			if err := json.Unmarshal(desc[0], &t); err == nil {
				in.LiteralType = int(t)
			}
		}
		if len(desc) > 1 {
			in.Payload = desc[1]
		}
	}
	return in, nil
}

// validate checks that every reference resolves inside the entity and that
// no reference chain loops.
func validate(e *Entity) error {
	for _, b := range e.Blocks() {
		if b.Next != "" && e.Lookup(b.Next) == nil {
			return &ParseError{Entity: e.Name, Block: b.ID, Err: fmt.Errorf("%w: next %q", ErrDanglingReference, b.Next)}
		}
		for _, in := range b.Inputs {
			if in.Kind == InputBlock && e.Lookup(in.Ref) == nil {
				return &ParseError{Entity: e.Name, Block: b.ID, Err: fmt.Errorf("%w: input %s -> %q", ErrDanglingReference, in.Name, in.Ref)}
			}
		}
		if b.Opcode == "procedures_definition" {
			in, ok := b.Input("custom_block")
			if !ok || in.Kind != InputBlock {
				return &ParseError{Entity: e.Name, Block: b.ID, Err: fmt.Errorf("%w: procedure definition without prototype", ErrMalformed)}
			}
		}
	}
	return findCycle(e)
}

const (
	white = iota
	grey
	black
)

// findCycle runs an iterative three-color DFS over next and input edges.
func findCycle(e *Entity) error {
	color := make(map[string]int, e.Len())
	type frame struct {
		id    string
		edges []string
	}

	for _, root := range e.Blocks() {
		if color[root.ID] != white {
			continue
		}
		stack := []frame{{id: root.ID, edges: edges(root)}}
		color[root.ID] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if len(top.edges) == 0 {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			next := top.edges[0]
			top.edges = top.edges[1:]
			switch color[next] {
			case grey:
				return &ParseError{Entity: e.Name, Block: next, Err: ErrCycle}
			case white:
				color[next] = grey
				stack = append(stack, frame{id: next, edges: edges(e.Lookup(next))})
			}
		}
	}
	return nil
}

func edges(b *Block) []string {
	out := make([]string, 0, len(b.Inputs)+1)
	for _, in := range b.Inputs {
		if in.Kind == InputBlock {
			out = append(out, in.Ref)
		}
	}
	if b.Next != "" {
		out = append(out, b.Next)
	}
	return out
}

// eachMember walks a JSON object's members in document order. A missing or
// null object has no members.
func eachMember(raw json.RawMessage, fn func(key string, val json.RawMessage) error) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return err
		}
		if err := fn(key, val); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}

func firstByte(raw json.RawMessage) byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}
