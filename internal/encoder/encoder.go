// ============================================================================
// Block Sequence Encoder
// ============================================================================
//
// Package: internal/encoder
// File: encoder.go
// Purpose: Flattens a project's block graph into a symbol-annotated token
//          sequence for sequence-model training.
//
// Traversal:
//   For every entity, in document order, every top-level non-shadow block
//   whose opcode is a hat or a procedure definition roots a stack:
//
//     _STARTSTACK_ <stack tokens> _ENDSTACK_
//
//   Inside a stack each block contributes, in order:
//     1. its own token (opcode, or a placeholder for procedure parts)
//     2. its dropdown, if it has one (_MENU_ <kind> _MENU_)
//     3. its non-substack inputs (_STARTINPUT_ ... _ENDINPUT_)
//     4. SUBSTACK then SUBSTACK2 (_STARTNEST_ ... _ENDNEST_)
//     5. _NEXT_ and the following block
//
// The encoder does no I/O and cannot fail. Graphs must have been validated
// by the parser (no dangling references, no cycles). Recursion into inputs
// and nests is capped at MaxDepth; next chains are walked iteratively.
//
// ============================================================================

package encoder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/blockseq/internal/blockgraph"
)

// MaxDepth bounds nesting of inputs and substacks.
const MaxDepth = 4096

// Sequence is the encoded form of one project.
type Sequence []string

// String joins the tokens with single spaces.
func (s Sequence) String() string { return strings.Join(s, " ") }

// Empty reports whether the project contributed no stacks.
func (s Sequence) Empty() bool { return len(s) == 0 }

// Encode linearizes every stack of the project.
func Encode(p *blockgraph.Project) Sequence {
	w := &walker{}
	for _, entity := range p.Entities {
		w.entity = entity
		for _, b := range entity.Blocks() {
			if !IsStackRoot(b) {
				continue
			}
			w.emit(StartStack)
			w.chain(b, 0)
			w.emit(EndStack)
		}
	}
	return normalize(w.tokens)
}

// EncodeStack encodes the single stack rooted at root, regardless of whether
// root would be picked as a stack root by Encode.
func EncodeStack(e *blockgraph.Entity, root *blockgraph.Block) Sequence {
	w := &walker{entity: e}
	w.emit(StartStack)
	w.chain(root, 0)
	w.emit(EndStack)
	return normalize(w.tokens)
}

// IsStackRoot reports whether b starts a stack.
func IsStackRoot(b *blockgraph.Block) bool {
	return b.TopLevel && !b.Shadow && (IsHat(b.Opcode) || b.Opcode == ProceduresDefinition)
}

// normalize collapses whitespace runs the same way a joined string would be
// collapsed and trimmed.
func normalize(tokens []string) Sequence {
	if len(tokens) == 0 {
		return Sequence{}
	}
	return Sequence(strings.Fields(strings.Join(tokens, " ")))
}

type walker struct {
	entity *blockgraph.Entity
	tokens []string
}

func (w *walker) emit(tokens ...string) {
	w.tokens = append(w.tokens, tokens...)
}

func (w *walker) lookup(id string) *blockgraph.Block {
	return w.entity.Lookup(id)
}

// chain encodes b and everything reachable through next.
func (w *walker) chain(b *blockgraph.Block, depth int) {
	if depth > MaxDepth {
		return
	}
	for b != nil {
		next := w.block(b, depth)
		if next == nil {
			return
		}
		w.emit(Next)
		b = next
	}
}

// block encodes one block and returns the block to continue with, if any.
func (w *walker) block(b *blockgraph.Block, depth int) *blockgraph.Block {
	switch b.Opcode {
	case ProceduresDefinition:
		w.emit(ProceduresDefinition)
		if in, ok := b.Input(inputCustomBlock); ok && in.Kind == blockgraph.InputBlock {
			w.chain(w.lookup(in.Ref), depth+1)
		}
		return w.lookup(b.Next)

	case opPrototype:
		// Arguments only; a prototype never continues.
		for _, in := range b.Inputs {
			if in.Kind == blockgraph.InputBlock {
				w.chain(w.lookup(in.Ref), depth+1)
			}
		}
		return nil

	case opArgNumText:
		w.emit(NumTextArg)
		return nil

	case opArgBool:
		w.emit(BoolArg)
		return nil

	case ProceduresCall:
		w.emit(ProceduresCall)

	default:
		if !b.Shadow {
			w.emit(b.Opcode)
		}
	}

	w.menu(b)

	if IsNoInput(b.Opcode) {
		return nil
	}

	w.inputs(b, depth)
	w.nests(b, depth)
	return w.lookup(b.Next)
}

func (w *walker) menu(b *blockgraph.Block) {
	literal := has(literalFieldOpcodes, b.Opcode)

	if strings.Contains(b.Opcode, menuMarker) || has(menuOpcodes, b.Opcode) || (len(b.Fields) > 0 && !literal) {
		kind := MenuOption
		switch {
		case b.HasField(fieldVariable):
			kind = Var
		case b.HasField(fieldList):
			kind = List
		}
		w.emit(Menu, kind, Menu)
	}

	if literal {
		for range b.Fields {
			w.emit(NumTextInput)
		}
	}
}

func (w *walker) inputs(b *blockgraph.Block, depth int) {
	for _, in := range b.Inputs {
		if in.Name == inputSubstack || in.Name == inputSubstack2 {
			continue
		}

		switch in.Kind {
		case blockgraph.InputLiteral:
			if in.Name == inputBroadcast {
				w.emit(Menu, MenuOption, Menu)
				continue
			}
			switch in.LiteralType {
			case literalVariable:
				w.emit(StartInput, Var, EndInput)
			case literalList:
				w.emit(StartInput, List, EndInput)
			default:
				if in.EmptyPayload() {
					continue
				}
				w.emit(StartInput, NumTextInput, EndInput)
			}

		case blockgraph.InputBlock:
			target := w.lookup(in.Ref)
			if target == nil {
				continue
			}
			// A shadow only supplies a default; walk it for its menu but do
			// not present it as an input, unless it is a literal holder.
			wrap := !target.Shadow || has(literalFieldOpcodes, target.Opcode)
			if wrap {
				w.emit(StartInput)
			}
			w.chain(target, depth+1)
			if wrap {
				w.emit(EndInput)
			}
		}
	}
}

func (w *walker) nests(b *blockgraph.Block, depth int) {
	for _, name := range [...]string{inputSubstack, inputSubstack2} {
		in, ok := b.Input(name)
		if !ok || in.Kind != blockgraph.InputBlock {
			continue
		}
		w.emit(StartNest)
		w.chain(w.lookup(in.Ref), depth+1)
		w.emit(EndNest)
	}
}

// ErrUnbalanced is returned by Balanced for a malformed sequence.
var ErrUnbalanced = errors.New("unbalanced delimiters")

// Balanced checks that every delimiter pair is closed in LIFO order and that
// no closing token appears before its opener.
func Balanced(seq Sequence) error {
	closers := make(map[string]string, len(delimiterPairs))
	for open, close := range delimiterPairs {
		closers[close] = open
	}

	var open []string
	for i, tok := range seq {
		if _, ok := delimiterPairs[tok]; ok {
			open = append(open, tok)
			continue
		}
		want, ok := closers[tok]
		if !ok {
			continue
		}
		if len(open) == 0 || open[len(open)-1] != want {
			return fmt.Errorf("%w: unexpected %s at %d", ErrUnbalanced, tok, i)
		}
		open = open[:len(open)-1]
	}
	if len(open) > 0 {
		return fmt.Errorf("%w: %d unclosed, innermost %s", ErrUnbalanced, len(open), open[len(open)-1])
	}
	return nil
}
