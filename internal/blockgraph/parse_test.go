package blockgraph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectVersion(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr error
	}{
		{"sb1 binary", "ScratchV02\x00\x01", 1, nil},
		{"sb2 objName", `{"objName": "Stage", "children": []}`, 2, nil},
		{"sb2 children only", `{"children": []}`, 2, nil},
		{"sb3 targets", `{"targets": [], "meta": {"semver": "3.0.0"}}`, 3, nil},
		{"leading whitespace", "  \n{\"targets\": []}", 3, nil},
		{"empty", "", 0, ErrNotProject},
		{"html error page", "<html>not found</html>", 0, ErrNotProject},
		{"unknown object", `{"foo": 1}`, 0, ErrNotProject},
		{"broken json", `{"targets": [`, 0, ErrNotProject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectVersion([]byte(tt.body))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Project(t *testing.T) {
	body := `{"targets": [
	  {"isStage": true, "name": "Stage", "blocks": {
	    "s1": {"opcode": "event_whenbroadcastreceived", "next": null, "parent": null, "inputs": {},
	           "fields": {"BROADCAST_OPTION": ["go", "b1"]}, "shadow": false, "topLevel": true}
	  }},
	  {"isStage": false, "name": "Cat", "blocks": {
	    "z": {"opcode": "event_whenflagclicked", "next": "a", "parent": null, "inputs": {}, "fields": {}, "shadow": false, "topLevel": true},
	    "a": {"opcode": "motion_movesteps", "next": null, "parent": "z",
	          "inputs": {"STEPS": [1, [4, "10"]], "EXTRA": [1, null]}, "fields": {}, "shadow": false, "topLevel": false},
	    "v": [12, "my variable", "id", 10, 20]
	  }}
	]}`

	p, err := Parse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, Current, p.SchemaVersion)
	require.Len(t, p.Entities, 2)

	stage := p.Stage()
	require.NotNil(t, stage)
	assert.Equal(t, "Stage", stage.Name)
	assert.True(t, stage.Lookup("s1").HasField("BROADCAST_OPTION"))

	cat := p.Entities[1]
	assert.Equal(t, 2, cat.Len(), "array reporters are not blocks")

	// Document order, not sorted order.
	blocks := cat.Blocks()
	assert.Equal(t, "z", blocks[0].ID)
	assert.Equal(t, "a", blocks[1].ID)

	hat := cat.Lookup("z")
	assert.True(t, hat.TopLevel)
	assert.Equal(t, "a", hat.Next)

	move := cat.Lookup("a")
	assert.Equal(t, "z", move.Parent)
	assert.Equal(t, "", move.Next)
	require.Len(t, move.Inputs, 2)

	steps, ok := move.Input("STEPS")
	require.True(t, ok)
	assert.Equal(t, InputLiteral, steps.Kind)
	assert.Equal(t, 4, steps.LiteralType)
	assert.False(t, steps.EmptyPayload())

	extra, ok := move.Input("EXTRA")
	require.True(t, ok)
	assert.Equal(t, InputEmpty, extra.Kind)

	assert.Nil(t, cat.Lookup(""))
	assert.Nil(t, cat.Lookup("missing"))
}

func TestParse_InputKinds(t *testing.T) {
	body := `{"targets": [{"isStage": true, "name": "Stage", "blocks": {
	  "h": {"opcode": "event_whenflagclicked", "next": "say", "topLevel": true},
	  "say": {"opcode": "looks_say", "parent": "h", "inputs": {
	    "B": [3, "r", [10, "hi"]],
	    "V": [3, [12, "score", "vid"], [10, ""]],
	    "L": [3, [13, "items", "lid"], [10, ""]],
	    "E": [1, [10, ""]],
	    "SHORT": [1]
	  }},
	  "r": {"opcode": "operator_join", "parent": "say"}
	}}]}`

	p, err := Parse([]byte(body))
	require.NoError(t, err)
	say := p.Stage().Lookup("say")

	names := make([]string, 0, len(say.Inputs))
	for _, in := range say.Inputs {
		names = append(names, in.Name)
	}
	assert.Equal(t, []string{"B", "V", "L", "E", "SHORT"}, names)

	b, _ := say.Input("B")
	assert.Equal(t, InputBlock, b.Kind)
	assert.Equal(t, "r", b.Ref)

	v, _ := say.Input("V")
	assert.Equal(t, InputLiteral, v.Kind)
	assert.Equal(t, 12, v.LiteralType)

	l, _ := say.Input("L")
	assert.Equal(t, 13, l.LiteralType)

	e, _ := say.Input("E")
	assert.True(t, e.EmptyPayload())

	short, _ := say.Input("SHORT")
	assert.Equal(t, InputEmpty, short.Kind)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{
			name: "not json",
			body: "garbage",
			want: ErrNotProject,
		},
		{
			name: "old schema",
			body: `{"objName": "Stage", "children": []}`,
			want: ErrUnsupportedVersion,
		},
		{
			name: "no stage",
			body: `{"targets": [{"isStage": false, "name": "Cat", "blocks": {}}]}`,
			want: ErrStageCount,
		},
		{
			name: "two stages",
			body: `{"targets": [{"isStage": true, "name": "A", "blocks": {}}, {"isStage": true, "name": "B", "blocks": {}}]}`,
			want: ErrStageCount,
		},
		{
			name: "dangling next",
			body: `{"targets": [{"isStage": true, "name": "Stage", "blocks": {
			  "h": {"opcode": "event_whenflagclicked", "next": "gone", "topLevel": true}}}]}`,
			want: ErrDanglingReference,
		},
		{
			name: "dangling input",
			body: `{"targets": [{"isStage": true, "name": "Stage", "blocks": {
			  "h": {"opcode": "looks_say", "inputs": {"MESSAGE": [3, "gone", [10, ""]]}}}}]}`,
			want: ErrDanglingReference,
		},
		{
			name: "next cycle",
			body: `{"targets": [{"isStage": true, "name": "Stage", "blocks": {
			  "a": {"opcode": "looks_show", "next": "b"},
			  "b": {"opcode": "looks_hide", "next": "a"}}}]}`,
			want: ErrCycle,
		},
		{
			name: "self input",
			body: `{"targets": [{"isStage": true, "name": "Stage", "blocks": {
			  "a": {"opcode": "operator_not", "inputs": {"OPERAND": [2, "a"]}}}}]}`,
			want: ErrCycle,
		},
		{
			name: "definition without prototype",
			body: `{"targets": [{"isStage": true, "name": "Stage", "blocks": {
			  "d": {"opcode": "procedures_definition", "topLevel": true, "inputs": {}}}}]}`,
			want: ErrMalformed,
		},
		{
			name: "missing opcode",
			body: `{"targets": [{"isStage": true, "name": "Stage", "blocks": {"a": {"next": null}}}]}`,
			want: ErrMalformed,
		},
		{
			name: "blocks not an object",
			body: `{"targets": [{"isStage": true, "name": "Stage", "blocks": [1, 2]}]}`,
			want: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse([]byte(tt.body))
			assert.Nil(t, p)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var pe *ParseError
			assert.True(t, errors.As(err, &pe), "error should be a *ParseError")
		})
	}
}

func TestParseError_Message(t *testing.T) {
	err := &ParseError{Entity: "Cat", Block: "a", Err: ErrCycle}
	assert.Equal(t, `parse: entity "Cat" block "a": block reference cycle`, err.Error())

	err = &ParseError{Entity: "Cat", Err: ErrMalformed}
	assert.Equal(t, `parse: entity "Cat": malformed document`, err.Error())

	err = &ParseError{Err: ErrStageCount}
	assert.Equal(t, "parse: project must have exactly one stage", err.Error())
}

func TestEntity_AddKeepsFirstPosition(t *testing.T) {
	e := NewEntity("Cat", false)
	e.Add(&Block{ID: "a", Opcode: "looks_show"})
	e.Add(&Block{ID: "b", Opcode: "looks_hide"})
	e.Add(&Block{ID: "a", Opcode: "looks_say"})

	blocks := e.Blocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, "a", blocks[0].ID)
	assert.Equal(t, "looks_say", blocks[0].Opcode)
}
