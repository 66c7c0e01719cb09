package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Address is a physical address. In YAML it is written as decimal or 0x hex;
// a leading zero is still decimal.
type Address uint64

// Size is a byte count. In YAML it may also carry a K, M or G suffix
// (powers of 1024).
type Size uint64

func (a Address) String() string {
	return fmt.Sprintf("0x%08x", uint64(a))
}

// UnmarshalYAML implements yaml.Unmarshaler for Address.
func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	v, err := parseNumber(value, false)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	*a = Address(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Address.
func (a Address) MarshalYAML() (any, error) {
	return a.String(), nil
}

func (s Size) String() string {
	v := uint64(s)
	switch {
	case v == 0:
		return "0"
	case v%(1<<30) == 0:
		return fmt.Sprintf("%dG", v>>30)
	case v%(1<<20) == 0:
		return fmt.Sprintf("%dM", v>>20)
	case v%(1<<10) == 0:
		return fmt.Sprintf("%dK", v>>10)
	}
	return fmt.Sprintf("0x%x", v)
}

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	v, err := parseNumber(value, true)
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}
	*s = Size(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Size.
func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}

func parseNumber(value *yaml.Node, units bool) (uint64, error) {
	if value.Kind != yaml.ScalarNode {
		return 0, fmt.Errorf("line %d: expected a scalar", value.Line)
	}
	s := strings.TrimSpace(value.Value)
	if s == "" {
		return 0, nil
	}

	shift := 0
	if units {
		switch s[len(s)-1] {
		case 'k', 'K':
			shift = 10
		case 'm', 'M':
			shift = 20
		case 'g', 'G':
			shift = 30
		}
		if shift != 0 {
			s = s[:len(s)-1]
		}
	}

	// Decimal or 0x hex, with optional _ separators. A leading zero does
	// not select octal.
	digits, base := strings.ReplaceAll(s, "_", ""), 10
	if len(digits) > 2 && digits[0] == '0' && (digits[1] == 'x' || digits[1] == 'X') {
		digits, base = digits[2:], 16
	}
	v, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		return 0, fmt.Errorf("line %d: %q: %w", value.Line, value.Value, err)
	}
	if shift != 0 && v > (^uint64(0))>>shift {
		return 0, fmt.Errorf("line %d: %q overflows", value.Line, value.Value)
	}
	return v << shift, nil
}
