package gcode

import (
	"errors"
	"strings"
	"testing"
)

func TestParseBasicCommands(t *testing.T) {
	parser := NewParser()

	tests := []struct {
		input   string
		cmdType byte
		cmdNum  int
		params  map[byte]float64
	}{
		{
			input:   "G0 X10 Y20",
			cmdType: 'G',
			cmdNum:  0,
			params:  map[byte]float64{'X': 10, 'Y': 20},
		},
		{
			input:   "G1 X100.5 Y200.25 F3000",
			cmdType: 'G',
			cmdNum:  1,
			params:  map[byte]float64{'X': 100.5, 'Y': 200.25, 'F': 3000},
		},
		{
			input:   "G4 P0.5",
			cmdType: 'G',
			cmdNum:  4,
			params:  map[byte]float64{'P': 0.5},
		},
		{
			input:   "M30",
			cmdType: 'M',
			cmdNum:  30,
			params:  map[byte]float64{},
		},
		{
			input:   "G92 X0 Y0 Z0",
			cmdType: 'G',
			cmdNum:  92,
			params:  map[byte]float64{'X': 0, 'Y': 0, 'Z': 0},
		},
		{
			input:   "X5 Y.5",
			cmdType: 0,
			cmdNum:  0,
			params:  map[byte]float64{'X': 5, 'Y': 0.5},
		},
	}

	for _, test := range tests {
		cmd, err := parser.ParseLine(test.input)
		if err != nil {
			t.Errorf("Failed to parse '%s': %v", test.input, err)
			continue
		}

		if cmd == nil {
			t.Errorf("Got nil command for '%s'", test.input)
			continue
		}

		if cmd.Type != test.cmdType {
			t.Errorf("Expected type %c, got %c for '%s'", test.cmdType, cmd.Type, test.input)
		}

		if cmd.Number != test.cmdNum {
			t.Errorf("Expected number %d, got %d for '%s'", test.cmdNum, cmd.Number, test.input)
		}

		for param, value := range test.params {
			if !cmd.HasParameter(param) {
				t.Errorf("Missing parameter %c in '%s'", param, test.input)
			} else if cmd.GetParameter(param, 0) != value {
				t.Errorf("Expected %c=%f, got %c=%f in '%s'",
					param, value, param, cmd.GetParameter(param, 0), test.input)
			}
		}
	}
}

func TestParseNegativeNumbers(t *testing.T) {
	parser := NewParser()

	cmd, err := parser.ParseLine("G1 X-10.5 Y-20")
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}

	if cmd.GetParameter('X', 0) != -10.5 {
		t.Errorf("Expected X=-10.5, got X=%f", cmd.GetParameter('X', 0))
	}

	if cmd.GetParameter('Y', 0) != -20 {
		t.Errorf("Expected Y=-20, got Y=%f", cmd.GetParameter('Y', 0))
	}
}

func TestParseComments(t *testing.T) {
	parser := NewParser()

	tests := []struct {
		input  string
		params int
	}{
		{"; This is a comment", 0},
		{"G0 X10 ; Move to X10", 1},
		{"(This is a comment)", 0},
		{"G1 (inline) X1 F100", 2},
	}

	for _, test := range tests {
		cmd, err := parser.ParseLine(test.input)
		if err != nil {
			t.Errorf("Failed to parse '%s': %v", test.input, err)
			continue
		}

		if cmd == nil {
			t.Errorf("Got nil command for '%s'", test.input)
			continue
		}

		if cmd.Comment == "" {
			t.Errorf("Expected a comment for '%s'", test.input)
		}
		if len(cmd.Parameters) != test.params {
			t.Errorf("Expected %d parameters, got %d for '%s'", test.params, len(cmd.Parameters), test.input)
		}
	}
}

func TestParseLowercase(t *testing.T) {
	parser := NewParser()

	cmd, err := parser.ParseLine("g1 x10 y20")
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}

	if cmd.Type != 'G' {
		t.Errorf("Expected type G, got %c", cmd.Type)
	}

	if cmd.Number != 1 {
		t.Errorf("Expected number 1, got %d", cmd.Number)
	}

	if cmd.GetParameter('X', 0) != 10 {
		t.Errorf("Expected X=10, got X=%f", cmd.GetParameter('X', 0))
	}
}

func TestParseEmptyLine(t *testing.T) {
	parser := NewParser()

	for _, line := range []string{"", "   ", "\r\n"} {
		cmd, err := parser.ParseLine(line)
		if err != nil {
			t.Errorf("Empty line should not error: %v", err)
		}

		if cmd != nil {
			t.Errorf("Empty line should return nil command")
		}
	}
}

func TestParseMultipleCodes(t *testing.T) {
	parser := NewParser()

	cmd, err := parser.ParseLine("G91 G1 X1 F600")
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if len(cmd.Codes) != 2 {
		t.Fatalf("Expected 2 codes, got %d", len(cmd.Codes))
	}
	if cmd.Type != 'G' || cmd.Number != 91 {
		t.Errorf("Expected first code G91, got %c%d", cmd.Type, cmd.Number)
	}
	if !cmd.HasCode('G', 1) || cmd.HasCode('G', 0) {
		t.Errorf("Expected G1 and no G0")
	}
}

func TestParseSystemCommands(t *testing.T) {
	parser := NewParser()

	tests := []struct {
		input  string
		system string
	}{
		{"$H", "H"},
		{"$hx", "HX"},
		{" $X", "X"},
		{"$$", "$"},
		{"$ I", "I"},
	}

	for _, test := range tests {
		cmd, err := parser.ParseLine(test.input)
		if err != nil {
			t.Errorf("Failed to parse '%s': %v", test.input, err)
			continue
		}
		if cmd.Type != '$' {
			t.Errorf("Expected system command for '%s', got %c", test.input, cmd.Type)
		}
		if cmd.System != test.system {
			t.Errorf("Expected %q, got %q", test.system, cmd.System)
		}
	}
}

func TestParseErrors(t *testing.T) {
	parser := NewParser()

	tests := []struct {
		input string
		want  Status
	}{
		{"G", StatusBadNumberFormat},
		{"G1.5 X1", StatusBadNumberFormat},
		{"G1 X", StatusBadNumberFormat},
		{"G1 X-", StatusBadNumberFormat},
		{"G1 X1 X2", StatusWordRepeated},
		{"G1 #1", StatusExpectedCommandLetter},
		{"G1 X" + strings.Repeat("1", MaxLineLength), StatusOverflow},
	}

	for _, test := range tests {
		_, err := parser.ParseLine(test.input)
		if !errors.Is(err, test.want) {
			t.Errorf("Expected %v for '%s', got %v", test.want, test.input, err)
		}
	}
}
