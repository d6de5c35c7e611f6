package calltrace

import (
	"strconv"
	"strings"

	"github.com/go-analyze/bulk"
)

const violationPrefix = "protocol violation: "

// Trace is a parsed call trace.
type Trace struct {
	// Calls holds the complete call blocks in stream order.
	Calls []*Call
	// Diagnostics holds every comment found in the trace, in stream order.
	Diagnostics []string
}

// Call is one traced invocation.
type Call struct {
	// No is the call number assigned by the stream.
	No uint64
	// Name is the function name.
	Name string
	// Args lists the arguments in recorded order.
	Args []Arg
	// Ret is the return value, nil when none was recorded.
	Ret *Return
	// Diagnostics holds comments recorded inside the call block.
	Diagnostics []string
}

// Arg is a named call argument.
type Arg struct {
	Type  string
	Name  string
	Value Value
}

// Return is the return value of a call.
type Return struct {
	Type  string
	Value Value
}

// Value is a recorded value: a Literal, *Array, *Struct, *Bitmask or *Reference. A nil Value is an empty slot.
type Value interface {
	isValue()
}

// Array is a sequence of elements. Length is the declared length, which may differ from len(Elements) in a trace
// with protocol violations.
type Array struct {
	Type     string
	Length   int
	Elements []Element
}

// Element is one array entry.
type Element struct {
	Type  string
	Value Value
}

// Struct is a sequence of named members.
type Struct struct {
	Type    string
	Members []Member
}

// Member is a named struct field.
type Member struct {
	Type  string
	Name  string
	Value Value
}

// Bitmask is a combination of flags, each a named constant or integer literal.
type Bitmask struct {
	Type  string
	Flags []Literal
}

// Reference is a pointer with its address and the referenced value.
type Reference struct {
	Type  string
	Addr  uint64
	Value Value
}

func (*Array) isValue()     {}
func (*Struct) isValue()    {}
func (*Bitmask) isValue()   {}
func (*Reference) isValue() {}

// FunctionCounts returns how often each function was called.
func (t *Trace) FunctionCounts() map[string]int {
	names := make([]string, len(t.Calls))
	for i, c := range t.Calls {
		names[i] = c.Name
	}
	return bulk.SliceToCounts(names)
}

// Violations returns the diagnostics reporting protocol violations, without the common prefix.
func (t *Trace) Violations() []string {
	filtered := bulk.SliceFilter(func(d string) bool {
		return strings.HasPrefix(d, violationPrefix)
	}, t.Diagnostics)
	violations := make([]string, len(filtered))
	for i, v := range filtered {
		violations[i] = strings.TrimPrefix(v, violationPrefix)
	}
	return violations
}

// Arg returns the argument named name.
func (c *Call) Arg(name string) (Arg, bool) {
	for _, a := range c.Args {
		if a.Name == name {
			return a, true
		}
	}
	return Arg{}, false
}

// String renders the call on one line, e.g. 3 glDrawArrays(mode = GL_TRIANGLES, first = 0, count = 3).
func (c *Call) String() string {
	b := strconv.AppendUint(nil, c.No, 10)
	b = append(b, ' ')
	b = append(b, c.Name...)
	b = append(b, '(')
	for i, a := range c.Args {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, a.Name...)
		b = append(b, " = "...)
		b = appendValueText(b, a.Value)
	}
	b = append(b, ')')
	if c.Ret != nil {
		b = append(b, " = "...)
		b = appendValueText(b, c.Ret.Value)
	}
	return string(b)
}

// maxDisplayString is the string length from which strings are elided.
const maxDisplayString = 4096

func appendValueText(dst []byte, v Value) []byte {
	switch v := v.(type) {
	case nil:
		return append(dst, '?')
	case Literal:
		return appendLiteralDisplay(dst, v)
	case *Array:
		dst = append(dst, '{')
		for i, e := range v.Elements {
			if i > 0 {
				dst = append(dst, ", "...)
			}
			dst = appendValueText(dst, e.Value)
		}
		return append(dst, '}')
	case *Struct:
		dst = append(dst, '{')
		for i, m := range v.Members {
			if i > 0 {
				dst = append(dst, ", "...)
			}
			dst = append(dst, m.Name...)
			dst = append(dst, " = "...)
			dst = appendValueText(dst, m.Value)
		}
		return append(dst, '}')
	case *Bitmask:
		switch len(v.Flags) {
		case 0:
			return append(dst, '0')
		case 1:
			return appendLiteralDisplay(dst, v.Flags[0])
		}
		dst = append(dst, '(')
		for i, f := range v.Flags {
			if i > 0 {
				dst = append(dst, " | "...)
			}
			dst = appendLiteralDisplay(dst, f)
		}
		return append(dst, ')')
	case *Reference:
		dst = appendAddress(dst, v.Addr)
		if v.Value != nil {
			dst = append(dst, " -> "...)
			dst = appendValueText(dst, v.Value)
		}
	}
	return dst
}

func appendLiteralDisplay(dst []byte, l Literal) []byte {
	switch l.Kind {
	case LiteralString:
		if len(l.Bytes) >= maxDisplayString {
			return append(dst, "..."...)
		}
		return strconv.AppendQuote(dst, string(l.Bytes))
	case LiteralWString:
		if len(l.Wide) >= maxDisplayString {
			return append(dst, "..."...)
		}
		runes := make([]rune, len(l.Wide))
		for i, u := range l.Wide {
			runes[i] = rune(u) // invalid code points render as U+FFFD
		}
		return strconv.AppendQuote(dst, string(runes))
	case LiteralNamedConstant:
		return append(dst, l.Name...)
	case LiteralNull:
		return append(dst, "NULL"...)
	}
	return l.appendText(dst)
}

// WriteCall records c as a new call block. The call number is assigned by the stream.
func (s *LogStream) WriteCall(c *Call) {
	sc := s.Call(c.Name)
	defer sc.End()

	for _, a := range c.Args {
		arg := s.Arg(a.Type, a.Name)
		s.WriteValue(a.Value)
		arg.End()
	}
	if c.Ret != nil {
		ret := s.Return(c.Ret.Type)
		s.WriteValue(c.Ret.Value)
		ret.End()
	}
}

// WriteValue records v into the open value slot using the matching Begin, End and Literal calls.
func (s *LogStream) WriteValue(v Value) {
	switch v := v.(type) {
	case nil:
	case Literal:
		s.Literal(v)
	case *Array:
		array := s.Array(v.Type, v.Length)
		for _, e := range v.Elements {
			elem := s.Element(e.Type)
			s.WriteValue(e.Value)
			elem.End()
		}
		array.End()
	case *Struct:
		st := s.Struct(v.Type)
		for _, m := range v.Members {
			member := s.Member(m.Type, m.Name)
			s.WriteValue(m.Value)
			member.End()
		}
		st.End()
	case *Bitmask:
		bitmask := s.Bitmask(v.Type)
		for _, f := range v.Flags {
			s.Literal(f)
		}
		bitmask.End()
	case *Reference:
		ref := s.Reference(v.Type, uintptr(v.Addr))
		s.WriteValue(v.Value)
		ref.End()
	}
}
