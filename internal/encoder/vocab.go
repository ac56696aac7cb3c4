package encoder

// Structural and placeholder tokens.
const (
	StartStack = "_STARTSTACK_"
	EndStack   = "_ENDSTACK_"
	StartNest  = "_STARTNEST_"
	EndNest    = "_ENDNEST_"
	StartInput = "_STARTINPUT_"
	EndInput   = "_ENDINPUT_"
	Menu       = "_MENU_"
	Next       = "_NEXT_"

	NumTextInput = "numtext_input"
	Var          = "_VAR_"
	List         = "_LIST_"
	MenuOption   = "menu_option"
	NumTextArg   = "_NUMTEXTARG_"
	BoolArg      = "_BOOLARG_"

	ProceduresDefinition = "procedures_definition"
	ProceduresCall       = "procedures_call"
)

const (
	opPrototype      = "procedures_prototype"
	opArgNumText     = "argument_reporter_string_number"
	opArgBool        = "argument_reporter_boolean"
	inputCustomBlock = "custom_block"
	inputSubstack    = "SUBSTACK"
	inputSubstack2   = "SUBSTACK2"
	inputBroadcast   = "BROADCAST_INPUT"
	fieldVariable    = "VARIABLE"
	fieldList        = "LIST"
	menuMarker       = "_menu"
	literalVariable  = 12
	literalList      = 13
)

// Delimiter pairs checked by Balanced.
var delimiterPairs = map[string]string{
	StartStack: EndStack,
	StartNest:  EndNest,
	StartInput: EndInput,
}

// hatOpcodes may start an independent stack.
var hatOpcodes = set(
	"event_whenflagclicked",
	"event_whenkeypressed",
	"event_whenthisspriteclicked",
	"event_whenbackdropswitchesto",
	"event_whengreaterthan",
	"event_whenbroadcastreceived",
	"control_start_as_clone",
	"videoSensing_whenMotionGreaterThan",
	"makeymakey_whenMakeyKeyPressed",
	"makeymakey_whenCodePressed",
	"microbit_whenButtonPressed",
	"microbit_whenGesture",
	"microbit_whenTilted",
	"microbit_whenPinConnected",
	"ev3_whenButtonPressed",
	"ev3_whenDistanceLessThan",
	"ev3_whenBrightnessLessThan",
	"boost_whenColor",
	"boost_whenTilted",
	"wedo2_whenDistance",
	"wedo2_whenTilted",
	"gdxfor_whenGesture",
	"gdxfor_whenForcePushedOrPulled",
	"gdxfor_whenTilted",
)

// noInputOpcodes are oval reporters that take nothing and end traversal.
var noInputOpcodes = set(
	"motion_xposition",
	"motion_yposition",
	"motion_direction",
	"looks_costumenumbername",
	"looks_backdropnumbername",
	"looks_size",
	"sound_volume",
	"sensing_answer",
	"sensing_mousex",
	"sensing_mousey",
	"sensing_loudness",
	"sensing_timer",
	"sensing_dayssince2000",
	"sensing_username",
	"sensing_current",
)

// menuOpcodes carry a dropdown even though their opcode lacks the marker.
var menuOpcodes = set(
	"looks_backdrops",
	"looks_costume",
	"sensing_touchingobjectmenu",
	"sensing_distancetomenu",
	"sensing_keyoptions",
)

// literalFieldOpcodes hold a number/text literal in a field instead of an input.
var literalFieldOpcodes = set("note")

func set(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

func has(m map[string]struct{}, key string) bool {
	_, ok := m[key]
	return ok
}

// IsHat reports whether opcode may start a stack.
func IsHat(opcode string) bool { return has(hatOpcodes, opcode) }

// IsNoInput reports whether opcode is a no-input oval reporter.
func IsNoInput(opcode string) bool { return has(noInputOpcodes, opcode) }
