package calltrace

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// LiteralKind identifies the variant held by a Literal.
type LiteralKind uint8

const (
	LiteralBool LiteralKind = iota + 1
	LiteralSInt
	LiteralUInt
	LiteralFloat
	LiteralString
	LiteralWString
	LiteralNamedConstant
	LiteralOpaque
	LiteralNull
)

// String returns the element tag used for the literal kind in the trace.
func (k LiteralKind) String() string {
	switch k {
	case LiteralBool:
		return "bool"
	case LiteralSInt:
		return "int"
	case LiteralUInt:
		return "uint"
	case LiteralFloat:
		return "float"
	case LiteralString:
		return "string"
	case LiteralWString:
		return "wstring"
	case LiteralNamedConstant:
		return "const"
	case LiteralOpaque:
		return "opaque"
	case LiteralNull:
		return "null"
	default:
		return "unknown"
	}
}

func (k LiteralKind) valid() bool {
	return k >= LiteralBool && k <= LiteralNull
}

// integral reports if the literal may appear as a bitmask flag.
func (k LiteralKind) integral() bool {
	return k == LiteralSInt || k == LiteralUInt || k == LiteralNamedConstant
}

// literalKindByTag maps trace element tags back to literal kinds.
var literalKindByTag = map[string]LiteralKind{
	"bool":    LiteralBool,
	"int":     LiteralSInt,
	"uint":    LiteralUInt,
	"float":   LiteralFloat,
	"string":  LiteralString,
	"wstring": LiteralWString,
	"const":   LiteralNamedConstant,
	"opaque":  LiteralOpaque,
	"null":    LiteralNull,
}

// Literal is a scalar value recorded in the trace. Only the field matching Kind is meaningful.
type Literal struct {
	Kind  LiteralKind
	Bool  bool
	SInt  int64
	UInt  uint64 // unsigned value, or the address for LiteralOpaque
	Float float64
	Bytes []byte   // narrow string bytes, not required to be valid UTF-8
	Wide  []uint32 // wide string code units, not required to be valid code points
	Name  string   // named constant identifier
}

// BoolLiteral returns a LiteralBool.
func BoolLiteral(v bool) Literal {
	return Literal{Kind: LiteralBool, Bool: v}
}

// SIntLiteral returns a LiteralSInt.
func SIntLiteral(v int64) Literal {
	return Literal{Kind: LiteralSInt, SInt: v}
}

// UIntLiteral returns a LiteralUInt.
func UIntLiteral(v uint64) Literal {
	return Literal{Kind: LiteralUInt, UInt: v}
}

// FloatLiteral returns a LiteralFloat.
func FloatLiteral(v float64) Literal {
	return Literal{Kind: LiteralFloat, Float: v}
}

// StringLiteral returns a LiteralString holding a copy of b.
func StringLiteral(b []byte) Literal {
	return Literal{Kind: LiteralString, Bytes: append([]byte{}, b...)}
}

// WStringLiteral returns a LiteralWString holding a copy of the code units.
func WStringLiteral(w []uint32) Literal {
	return Literal{Kind: LiteralWString, Wide: append([]uint32{}, w...)}
}

// NamedConstantLiteral returns a LiteralNamedConstant.
func NamedConstantLiteral(name string) Literal {
	return Literal{Kind: LiteralNamedConstant, Name: name}
}

// OpaqueLiteral returns a LiteralOpaque for the address.
func OpaqueLiteral(addr uint64) Literal {
	return Literal{Kind: LiteralOpaque, UInt: addr}
}

// NullLiteral returns a LiteralNull.
func NullLiteral() Literal {
	return Literal{Kind: LiteralNull}
}

func (Literal) isValue() {}

// Text returns the literal's encoded token without the surrounding element.
func (l Literal) Text() string {
	return string(l.appendText(nil))
}

// appendLiteral appends the full literal element, e.g. <int>-3</int>.
func appendLiteral(dst []byte, l Literal) []byte {
	if l.Kind == LiteralNull {
		return append(dst, "<null/>"...)
	}
	tag := l.Kind.String()
	dst = append(dst, '<')
	dst = append(dst, tag...)
	dst = append(dst, '>')
	dst = l.appendText(dst)
	dst = append(dst, "</"...)
	dst = append(dst, tag...)
	return append(dst, '>')
}

func (l Literal) appendText(dst []byte) []byte {
	switch l.Kind {
	case LiteralBool:
		return strconv.AppendBool(dst, l.Bool)
	case LiteralSInt:
		return strconv.AppendInt(dst, l.SInt, 10)
	case LiteralUInt:
		return strconv.AppendUint(dst, l.UInt, 10)
	case LiteralFloat:
		return appendFloat(dst, l.Float)
	case LiteralString:
		return appendEscaped(dst, l.Bytes, false)
	case LiteralWString:
		return appendEscapedWide(dst, l.Wide)
	case LiteralNamedConstant:
		return appendEscaped(dst, l.Name, false)
	case LiteralOpaque:
		return appendAddress(dst, l.UInt)
	case LiteralNull:
		return dst
	}
	return dst
}

func appendFloat(dst []byte, f float64) []byte {
	switch {
	case math.IsNaN(f):
		return append(dst, "nan"...)
	case math.IsInf(f, 1):
		return append(dst, "inf"...)
	case math.IsInf(f, -1):
		return append(dst, "-inf"...)
	}
	return strconv.AppendFloat(dst, f, 'g', -1, 64)
}

const hexDigits = "0123456789abcdef"

// appendAddress writes a fixed width 64-bit hexadecimal address.
func appendAddress(dst []byte, addr uint64) []byte {
	dst = append(dst, '0', 'x')
	for shift := 60; shift >= 0; shift -= 4 {
		dst = append(dst, hexDigits[(addr>>uint(shift))&0xf])
	}
	return dst
}

// escapeByte reports if c can not be written verbatim into element text or attribute values.
func escapeByte(c byte) bool {
	if c < 0x20 || c > 0x7e {
		return true
	}
	switch c {
	case '\\', '<', '>', '&', '"', '\'':
		return true
	}
	return false
}

// appendEscaped writes s using the byte escaping scheme: printable ASCII apart from the markup delimiters is verbatim,
// every other byte becomes \xHH. When dash is set '-' is escaped too so the text is safe inside a comment.
func appendEscaped[T string | []byte](dst []byte, s T, dash bool) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escapeByte(c) || (dash && c == '-') {
			dst = append(dst, '\\', 'x', hexDigits[c>>4], hexDigits[c&0xf])
		} else {
			dst = append(dst, c)
		}
	}
	return dst
}

// appendEscapedWide writes each code unit verbatim when it is a printable ASCII character, otherwise as \uHHHH or
// \UHHHHHHHH for values that do not fit in 16 bits.
func appendEscapedWide(dst []byte, w []uint32) []byte {
	for _, u := range w {
		switch {
		case u < 0x80 && !escapeByte(byte(u)):
			dst = append(dst, byte(u))
		case u <= 0xffff:
			dst = append(dst, '\\', 'u')
			for shift := 12; shift >= 0; shift -= 4 {
				dst = append(dst, hexDigits[(u>>uint(shift))&0xf])
			}
		default:
			dst = append(dst, '\\', 'U')
			for shift := 28; shift >= 0; shift -= 4 {
				dst = append(dst, hexDigits[(u>>uint(shift))&0xf])
			}
		}
	}
	return dst
}

var errBadEscape = errors.New("invalid escape sequence")

func unhex(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errBadEscape, s)
	}
	return v, nil
}

// unescapeBytes reverses appendEscaped.
func unescapeBytes(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		if i+3 >= len(s) || s[i+1] != 'x' {
			return nil, fmt.Errorf("%w at offset %d", errBadEscape, i)
		}
		v, err := unhex(s[i+2 : i+4])
		if err != nil {
			return nil, err
		}
		out = append(out, byte(v))
		i += 3
	}
	return out, nil
}

// unescapeText reverses appendEscaped returning a string.
func unescapeText(s string) (string, error) {
	b, err := unescapeBytes(s)
	return string(b), err
}

// unescapeWide reverses appendEscapedWide.
func unescapeWide(s string) ([]uint32, error) {
	out := make([]uint32, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out = append(out, uint32(c))
			continue
		}
		width := 0
		if i+1 < len(s) {
			switch s[i+1] {
			case 'u':
				width = 4
			case 'U':
				width = 8
			}
		}
		if width == 0 || i+2+width > len(s) {
			return nil, fmt.Errorf("%w at offset %d", errBadEscape, i)
		}
		v, err := unhex(s[i+2 : i+2+width])
		if err != nil {
			return nil, err
		}
		out = append(out, uint32(v))
		i += 1 + width
	}
	return out, nil
}

// parseLiteral decodes the text of a literal element with the given tag.
func parseLiteral(tag, text string) (Literal, error) {
	kind, ok := literalKindByTag[tag]
	if !ok {
		return Literal{}, fmt.Errorf("unknown literal element <%s>", tag)
	}
	switch kind {
	case LiteralBool:
		v, err := strconv.ParseBool(text)
		if err != nil || (text != "true" && text != "false") {
			return Literal{}, fmt.Errorf("invalid bool literal %q", text)
		}
		return BoolLiteral(v), nil
	case LiteralSInt:
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Literal{}, fmt.Errorf("invalid int literal: %w", err)
		}
		return SIntLiteral(v), nil
	case LiteralUInt:
		v, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return Literal{}, fmt.Errorf("invalid uint literal: %w", err)
		}
		return UIntLiteral(v), nil
	case LiteralFloat:
		switch text {
		case "nan":
			return FloatLiteral(math.NaN()), nil
		case "inf":
			return FloatLiteral(math.Inf(1)), nil
		case "-inf":
			return FloatLiteral(math.Inf(-1)), nil
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Literal{}, fmt.Errorf("invalid float literal: %w", err)
		}
		return FloatLiteral(v), nil
	case LiteralString:
		b, err := unescapeBytes(text)
		if err != nil {
			return Literal{}, fmt.Errorf("invalid string literal: %w", err)
		}
		return Literal{Kind: LiteralString, Bytes: b}, nil
	case LiteralWString:
		w, err := unescapeWide(text)
		if err != nil {
			return Literal{}, fmt.Errorf("invalid wstring literal: %w", err)
		}
		return Literal{Kind: LiteralWString, Wide: w}, nil
	case LiteralNamedConstant:
		name, err := unescapeText(text)
		if err != nil {
			return Literal{}, fmt.Errorf("invalid const literal: %w", err)
		}
		return NamedConstantLiteral(name), nil
	case LiteralOpaque:
		addr, err := parseAddress(text)
		if err != nil {
			return Literal{}, fmt.Errorf("invalid opaque literal: %w", err)
		}
		return OpaqueLiteral(addr), nil
	case LiteralNull:
		if text != "" {
			return Literal{}, fmt.Errorf("unexpected null literal content %q", text)
		}
		return NullLiteral(), nil
	}
	return Literal{}, fmt.Errorf("unknown literal element <%s>", tag)
}

func parseAddress(text string) (uint64, error) {
	if len(text) != 18 || text[:2] != "0x" {
		return 0, fmt.Errorf("address %q is not 0x followed by 16 hex digits", text)
	}
	return unhex(text[2:])
}
