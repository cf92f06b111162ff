// Package config parses and validates ArchEngine's configuration-string
// grammar (spec.md §6): comma-separated "key=value" pairs, where value
// may be a bare/quoted string, an integer, a boolean, a nested group
// "k=(a=1,b=2)", or a list "k=[x,y]".
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bitbased/archengine/errs"
)

// Kind is the dynamic type of a parsed Value.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindString
	KindList
	KindStruct
)

// Value is one parsed config entry.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Str    string
	List   []Value
	Struct map[string]Value
}

// Config is a parsed, typed configuration string.
type Config map[string]Value

// Parse parses a config string into a typed Config. It is intentionally
// forgiving about whitespace around commas and '=' but strict about
// structural balance (unterminated groups/lists are a Config error).
func Parse(s string) (Config, error) {
	p := &parser{input: s}
	cfg, err := p.parseGroupBody(false)
	if err != nil {
		return nil, errs.Wrap(errs.Config, err, "parsing config string")
	}
	return cfg, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) peek() (byte, bool) {
	if p.pos >= len(p.input) {
		return 0, false
	}
	return p.input[p.pos], true
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n') {
		p.pos++
	}
}

// parseGroupBody parses "k=v,k2=v2,..." stopping at the body's closing
// delimiter (when nested) or end of input (top level).
func (p *parser) parseGroupBody(nested bool) (Config, error) {
	cfg := Config{}
	for {
		p.skipSpace()
		b, ok := p.peek()
		if !ok {
			if nested {
				return nil, fmt.Errorf("unterminated group")
			}
			return cfg, nil
		}
		if nested && b == ')' {
			return cfg, nil
		}

		key, err := p.parseIdent()
		if err != nil {
			return nil, err
		}
		p.skipSpace()

		val := Value{Kind: KindBool, Bool: true} // bare "key" means key=true
		if b2, ok := p.peek(); ok && b2 == '=' {
			p.pos++ // consume '='
			p.skipSpace()
			val, err = p.parseValue()
			if err != nil {
				return nil, err
			}
		}
		cfg[key] = val

		p.skipSpace()
		b3, ok := p.peek()
		if !ok {
			if nested {
				return nil, fmt.Errorf("unterminated group")
			}
			return cfg, nil
		}
		if b3 == ',' {
			p.pos++
			continue
		}
		if nested && b3 == ')' {
			return cfg, nil
		}
		return nil, fmt.Errorf("unexpected character %q at offset %d", b3, p.pos)
	}
}

func (p *parser) parseIdent() (string, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == '=' || c == ',' || c == ')' || c == ' ' || c == '\t' || c == '\n' {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return "", fmt.Errorf("expected identifier at offset %d", start)
	}
	return p.input[start:p.pos], nil
}

func (p *parser) parseValue() (Value, error) {
	b, ok := p.peek()
	if !ok {
		return Value{}, fmt.Errorf("expected value at offset %d", p.pos)
	}
	switch {
	case b == '(':
		p.pos++
		sub, err := p.parseGroupBody(true)
		if err != nil {
			return Value{}, err
		}
		if b2, ok := p.peek(); !ok || b2 != ')' {
			return Value{}, fmt.Errorf("expected ')' at offset %d", p.pos)
		}
		p.pos++
		return Value{Kind: KindStruct, Struct: sub}, nil
	case b == '[':
		p.pos++
		list, err := p.parseList()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindList, List: list}, nil
	case b == '"':
		str, err := p.parseQuoted()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindString, Str: str}, nil
	default:
		return p.parseBareScalar()
	}
}

func (p *parser) parseList() ([]Value, error) {
	var out []Value
	for {
		p.skipSpace()
		b, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated list")
		}
		if b == ']' {
			p.pos++
			return out, nil
		}
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		p.skipSpace()
		b2, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated list")
		}
		if b2 == ',' {
			p.pos++
			continue
		}
		if b2 == ']' {
			p.pos++
			return out, nil
		}
		return nil, fmt.Errorf("unexpected character %q in list at offset %d", b2, p.pos)
	}
}

func (p *parser) parseQuoted() (string, error) {
	p.pos++ // opening quote
	var sb strings.Builder
	for {
		b, ok := p.peek()
		if !ok {
			return "", fmt.Errorf("unterminated string")
		}
		if b == '"' {
			p.pos++
			return sb.String(), nil
		}
		if b == '\\' && p.pos+1 < len(p.input) {
			p.pos++
			b = p.input[p.pos]
		}
		sb.WriteByte(b)
		p.pos++
	}
}

func (p *parser) parseBareScalar() (Value, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == ',' || c == ')' || c == ']' || c == ' ' || c == '\t' || c == '\n' {
			break
		}
		p.pos++
	}
	tok := p.input[start:p.pos]
	if tok == "" {
		return Value{}, fmt.Errorf("expected value at offset %d", start)
	}
	switch tok {
	case "true":
		return Value{Kind: KindBool, Bool: true}, nil
	case "false":
		return Value{Kind: KindBool, Bool: false}, nil
	}
	if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return Value{Kind: KindInt, Int: n}, nil
	}
	return Value{Kind: KindString, Str: tok}, nil
}

// Collapse merges an override config on top of a base config, per
// original_source/src/config/config_collapse.c's semantics: override
// keys win; nested struct values merge recursively rather than replace
// wholesale; everything else is taken from base.
func Collapse(base, override Config) Config {
	out := make(Config, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if existing, ok := out[k]; ok && existing.Kind == KindStruct && v.Kind == KindStruct {
			out[k] = Value{Kind: KindStruct, Struct: Collapse(existing.Struct, v.Struct)}
			continue
		}
		out[k] = v
	}
	return out
}

// String renders a Config back into the grammar Parse accepts, for
// persisting a collapsed config string into the metadata tree.
func (c Config) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	// Deterministic output matters because the metadata tree's config
	// string is itself versioned content.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		writeValue(&sb, c[k])
	}
	return sb.String()
}

func writeValue(sb *strings.Builder, v Value) {
	switch v.Kind {
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.Bool))
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.Int, 10))
	case KindString:
		sb.WriteByte('"')
		sb.WriteString(v.Str)
		sb.WriteByte('"')
	case KindList:
		sb.WriteByte('[')
		for i, e := range v.List {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeValue(sb, e)
		}
		sb.WriteByte(']')
	case KindStruct:
		sb.WriteByte('(')
		c := Config(v.Struct)
		sb.WriteString(c.String())
		sb.WriteByte(')')
	}
}

// Spec describes the validation rule for one option.
type Spec struct {
	Name     string
	Kind     Kind
	Min, Max int64 // for KindInt
	Choices  []string
	Default  Value
}

// Table is a set of option specs checked together, e.g. the options valid
// for a "create" call.
type Table []Spec

// Validate checks cfg against t, filling in defaults for options the
// caller omitted, and rejecting unknown keys or out-of-range values.
func (t Table) Validate(cfg Config) (Config, error) {
	out := make(Config, len(t))
	known := make(map[string]Spec, len(t))
	for _, spec := range t {
		known[spec.Name] = spec
		out[spec.Name] = spec.Default
	}
	for k, v := range cfg {
		spec, ok := known[k]
		if !ok {
			return nil, errs.New(errs.Config, fmt.Sprintf("unknown config option %q", k), nil)
		}
		if v.Kind != spec.Kind {
			return nil, errs.New(errs.Config, fmt.Sprintf("option %q: expected kind %d, got %d", k, spec.Kind, v.Kind), nil)
		}
		if spec.Kind == KindInt {
			if spec.Min != 0 || spec.Max != 0 {
				if v.Int < spec.Min || v.Int > spec.Max {
					return nil, errs.New(errs.Config, fmt.Sprintf("option %q: value %d out of range [%d,%d]", k, v.Int, spec.Min, spec.Max), nil)
				}
			}
		}
		if spec.Kind == KindString && len(spec.Choices) > 0 {
			ok := false
			for _, c := range spec.Choices {
				if c == v.Str {
					ok = true
					break
				}
			}
			if !ok {
				return nil, errs.New(errs.Config, fmt.Sprintf("option %q: %q is not one of %v", k, v.Str, spec.Choices), nil)
			}
		}
		out[k] = v
	}
	return out, nil
}
