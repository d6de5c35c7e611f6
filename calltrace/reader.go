package calltrace

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrTruncatedTrace reports a trace that ends before its closing element, as left behind by a process that exited
// without closing the stream. The calls completed before the truncation are still returned.
var ErrTruncatedTrace = errors.New("truncated trace")

// ReadTrace parses a trace stream. Nodes placed where the grammar does not allow them, which the stream only writes
// next to a protocol violation diagnostic, are skipped.
func ReadTrace(r io.Reader) (*Trace, error) {
	tr := &traceReader{
		dec:   xml.NewDecoder(r),
		trace: &Trace{},
	}
	tr.dec.Strict = true
	return tr.trace, tr.read()
}

// ReadTraceFile parses the trace file at path, decoding the compression implied by its extension.
func ReadTraceFile(path string) (*Trace, error) {
	rc, err := OpenTraceFile(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return ReadTrace(rc)
}

// rawNode is an element read from the stream before it is interpreted.
type rawNode struct {
	tag      string
	attrs    []xml.Attr
	children []*rawNode
	text     string
}

func (n *rawNode) attr(key string) (string, error) {
	for _, a := range n.attrs {
		if a.Name.Local == key {
			v, err := unescapeText(a.Value)
			if err != nil {
				return "", fmt.Errorf("<%s> attribute %s: %w", n.tag, key, err)
			}
			return v, nil
		}
	}
	return "", nil
}

type traceReader struct {
	dec       *xml.Decoder
	trace     *Trace
	callDiags []string
}

func truncatedErr(err error) error {
	var syntaxErr *xml.SyntaxError
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		(errors.As(err, &syntaxErr) && strings.Contains(syntaxErr.Msg, "EOF")) {
		return fmt.Errorf("%w: %v", ErrTruncatedTrace, err)
	}
	return err
}

func (r *traceReader) comment(text string) {
	msg, err := unescapeText(strings.TrimSpace(text))
	if err != nil {
		msg = strings.TrimSpace(text) // foreign comment, keep it as written
	}
	r.trace.Diagnostics = append(r.trace.Diagnostics, msg)
	r.callDiags = append(r.callDiags, msg)
}

func (r *traceReader) read() error {
	var started bool
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return truncatedErr(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if !started {
				if t.Name.Local != "trace" {
					return fmt.Errorf("expected <trace>, found <%s>", t.Name.Local)
				}
				started = true
				continue
			}
			r.callDiags = nil
			n, err := r.readNode(t.Copy())
			if err != nil {
				return err
			} else if n.tag != "call" {
				continue // opened outside a call, reported by the diagnostic before it
			}
			call, err := buildCall(n)
			if err != nil {
				return err
			}
			call.Diagnostics = r.callDiags
			r.trace.Calls = append(r.trace.Calls, call)
		case xml.EndElement:
			return nil // </trace>, strict mode guarantees the match
		case xml.Comment:
			r.comment(string(t))
		case xml.CharData:
			if strings.TrimSpace(string(t)) != "" && started {
				return fmt.Errorf("unexpected text %q between calls", string(t))
			}
		}
	}
}

func (r *traceReader) readNode(start xml.StartElement) (*rawNode, error) {
	n := &rawNode{tag: start.Name.Local, attrs: start.Attr}
	var text strings.Builder
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, truncatedErr(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := r.readNode(t.Copy())
			if err != nil {
				return nil, err
			}
			n.children = append(n.children, child)
		case xml.EndElement:
			n.text = text.String()
			return n, nil
		case xml.CharData:
			text.Write(t)
		case xml.Comment:
			r.comment(string(t))
		}
	}
}

func buildCall(n *rawNode) (*Call, error) {
	noText, err := n.attr("no")
	if err != nil {
		return nil, err
	}
	no, err := strconv.ParseUint(noText, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid call number %q: %w", noText, err)
	}
	name, err := n.attr("name")
	if err != nil {
		return nil, err
	}

	call := &Call{No: no, Name: name}
	for _, child := range n.children {
		switch child.tag {
		case "arg":
			typ, err := child.attr("type")
			if err != nil {
				return nil, err
			}
			argName, err := child.attr("name")
			if err != nil {
				return nil, err
			}
			v, err := slotValue(child)
			if err != nil {
				return nil, fmt.Errorf("call %d %s arg %s: %w", no, name, argName, err)
			}
			call.Args = append(call.Args, Arg{Type: typ, Name: argName, Value: v})
		case "ret":
			typ, err := child.attr("type")
			if err != nil {
				return nil, err
			}
			v, err := slotValue(child)
			if err != nil {
				return nil, fmt.Errorf("call %d %s return: %w", no, name, err)
			}
			call.Ret = &Return{Type: typ, Value: v}
		}
	}
	return call, nil
}

// slotValue returns the first value held by a value slot node, nil when it holds none.
func slotValue(n *rawNode) (Value, error) {
	for _, child := range n.children {
		v, ok, err := buildValue(child)
		if err != nil {
			return nil, err
		} else if ok {
			return v, nil
		}
	}
	return nil, nil
}

// buildValue converts a value node, ok is false for nodes that are not values.
func buildValue(n *rawNode) (Value, bool, error) {
	if _, isLiteral := literalKindByTag[n.tag]; isLiteral {
		l, err := parseLiteral(n.tag, n.text)
		return l, err == nil, err
	}

	typ, err := n.attr("type")
	if err != nil {
		return nil, false, err
	}
	switch n.tag {
	case "array":
		lengthText, err := n.attr("length")
		if err != nil {
			return nil, false, err
		}
		length, err := strconv.Atoi(lengthText)
		if err != nil {
			return nil, false, fmt.Errorf("invalid array length %q: %w", lengthText, err)
		}
		array := &Array{Type: typ, Length: length}
		for _, child := range n.children {
			if child.tag != "elem" {
				continue
			}
			elemType, err := child.attr("type")
			if err != nil {
				return nil, false, err
			}
			v, err := slotValue(child)
			if err != nil {
				return nil, false, err
			}
			array.Elements = append(array.Elements, Element{Type: elemType, Value: v})
		}
		return array, true, nil
	case "struct":
		st := &Struct{Type: typ}
		for _, child := range n.children {
			if child.tag != "member" {
				continue
			}
			memberType, err := child.attr("type")
			if err != nil {
				return nil, false, err
			}
			memberName, err := child.attr("name")
			if err != nil {
				return nil, false, err
			}
			v, err := slotValue(child)
			if err != nil {
				return nil, false, err
			}
			st.Members = append(st.Members, Member{Type: memberType, Name: memberName, Value: v})
		}
		return st, true, nil
	case "bitmask":
		bitmask := &Bitmask{Type: typ}
		for _, child := range n.children {
			if kind, ok := literalKindByTag[child.tag]; !ok || !kind.integral() {
				continue
			}
			l, err := parseLiteral(child.tag, child.text)
			if err != nil {
				return nil, false, err
			}
			bitmask.Flags = append(bitmask.Flags, l)
		}
		return bitmask, true, nil
	case "ref":
		addrText, err := n.attr("addr")
		if err != nil {
			return nil, false, err
		}
		addr, err := parseAddress(addrText)
		if err != nil {
			return nil, false, err
		}
		v, err := slotValue(n)
		if err != nil {
			return nil, false, err
		}
		return &Reference{Type: typ, Addr: addr, Value: v}, true, nil
	}
	return nil, false, nil
}
