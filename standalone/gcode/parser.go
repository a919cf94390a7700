package gcode

import (
	"strings"
)

// Code is one command word such as G1 or M30
type Code struct {
	Letter byte
	Number int
}

// Command is one parsed line
type Command struct {
	// Type and Number hold the first command word (G, M) or '$' for a
	// system command. Type is zero for a line of parameters only, which
	// repeats the modal motion.
	Type   byte
	Number int

	// Codes lists every command word of the line in order
	Codes []Code

	Parameters map[byte]float64
	Comment    string

	// System is the text after '$' with spaces removed and letters upper cased
	System string
}

// HasParameter checks if a parameter exists in the command
func (cmd *Command) HasParameter(param byte) bool {
	_, ok := cmd.Parameters[param]
	return ok
}

// GetParameter gets a parameter value, or returns the default if not present
func (cmd *Command) GetParameter(param byte, defaultValue float64) float64 {
	if val, ok := cmd.Parameters[param]; ok {
		return val
	}
	return defaultValue
}

// HasCode reports whether the line contains the command word letter+number
func (cmd *Command) HasCode(letter byte, number int) bool {
	for _, c := range cmd.Codes {
		if c.Letter == letter && c.Number == number {
			return true
		}
	}
	return false
}

// MaxLineLength is the longest line accepted
const MaxLineLength = 80

// Parser handles G-code parsing
type Parser struct{}

// NewParser creates a new G-code parser
func NewParser() *Parser {
	return &Parser{}
}

// ParseLine parses a single line of G-code. Blank lines return nil.
func (p *Parser) ParseLine(line string) (*Command, error) {
	if len(line) > MaxLineLength {
		return nil, StatusOverflow
	}

	i := skipSpace(line, 0)
	if i >= len(line) {
		return nil, nil
	}

	cmd := &Command{
		Parameters: make(map[byte]float64),
	}

	if line[i] == '$' {
		cmd.Type = '$'
		cmd.System = strings.ToUpper(strings.ReplaceAll(line[i+1:], " ", ""))
		return cmd, nil
	}

	for i < len(line) {
		i = skipSpace(line, i)
		if i >= len(line) {
			break
		}

		c := line[i]
		if c == ';' {
			cmd.Comment = line[i:]
			break
		}
		if c == '(' {
			end := strings.IndexByte(line[i:], ')')
			if end < 0 {
				cmd.Comment = line[i:]
				break
			}
			cmd.Comment = line[i : i+end+1]
			i += end + 1
			continue
		}
		if !isLetter(c) {
			return nil, StatusExpectedCommandLetter
		}
		letter := toUpper(c)
		i++

		switch letter {
		case 'G', 'M':
			num, next := parseInt(line, i)
			if next <= i || (next < len(line) && line[next] == '.') {
				return nil, StatusBadNumberFormat
			}
			i = next
			cmd.Codes = append(cmd.Codes, Code{Letter: letter, Number: num})
			if cmd.Type == 0 {
				cmd.Type = letter
				cmd.Number = num
			}
		default:
			value, next := parseFloat(line, i)
			if next <= i {
				return nil, StatusBadNumberFormat
			}
			i = next
			if _, dup := cmd.Parameters[letter]; dup {
				return nil, StatusWordRepeated
			}
			cmd.Parameters[letter] = value
		}
	}

	return cmd, nil
}

func skipSpace(s string, pos int) int {
	for pos < len(s) && (s[pos] == ' ' || s[pos] == '\t' || s[pos] == '\r' || s[pos] == '\n') {
		pos++
	}
	return pos
}

// parseInt parses an integer from the string starting at pos
func parseInt(s string, pos int) (int, int) {
	if pos >= len(s) {
		return 0, pos
	}

	negative := false
	if s[pos] == '-' {
		negative = true
		pos++
	} else if s[pos] == '+' {
		pos++
	}

	start := pos
	value := 0

	for pos < len(s) && s[pos] >= '0' && s[pos] <= '9' {
		value = value*10 + int(s[pos]-'0')
		pos++
	}

	if pos == start {
		return 0, start - 1 // No digits found
	}

	if negative {
		value = -value
	}

	return value, pos
}

// parseFloat parses a floating-point number from the string starting at pos
func parseFloat(s string, pos int) (float64, int) {
	if pos >= len(s) {
		return 0, pos
	}
	origin := pos

	negative := false
	if s[pos] == '-' {
		negative = true
		pos++
	} else if s[pos] == '+' {
		pos++
	}

	start := pos
	intPart := 0
	fracPart := 0.0
	fracDigits := 0

	for pos < len(s) && s[pos] >= '0' && s[pos] <= '9' {
		intPart = intPart*10 + int(s[pos]-'0')
		pos++
	}

	if pos < len(s) && s[pos] == '.' {
		pos++
		fracStart := pos
		for pos < len(s) && s[pos] >= '0' && s[pos] <= '9' {
			fracPart = fracPart*10.0 + float64(s[pos]-'0')
			pos++
		}
		fracDigits = pos - fracStart
	}

	if pos == start || (pos == start+1 && s[start] == '.') {
		return 0, origin // No valid number found
	}

	value := float64(intPart)
	if fracDigits > 0 {
		divisor := 1.0
		for i := 0; i < fracDigits; i++ {
			divisor *= 10.0
		}
		value += fracPart / divisor
	}

	if negative {
		value = -value
	}

	return value, pos
}

// isLetter checks if a byte is a letter
func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// toUpper converts a byte to uppercase
func toUpper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}
