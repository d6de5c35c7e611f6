package calltrace

// NodeKind identifies a structural element of the trace.
type NodeKind uint8

const (
	NodeCall NodeKind = iota + 1
	NodeArg
	NodeReturn
	NodeArray
	NodeElement
	NodeStruct
	NodeMember
	NodeBitmask
	NodeReference
)

// String returns the element tag used for the node in the trace.
func (k NodeKind) String() string {
	switch k {
	case NodeCall:
		return "call"
	case NodeArg:
		return "arg"
	case NodeReturn:
		return "ret"
	case NodeArray:
		return "array"
	case NodeElement:
		return "elem"
	case NodeStruct:
		return "struct"
	case NodeMember:
		return "member"
	case NodeBitmask:
		return "bitmask"
	case NodeReference:
		return "ref"
	default:
		return "unknown"
	}
}

// valueSlot reports if the node holds exactly one value.
func (k NodeKind) valueSlot() bool {
	switch k {
	case NodeArg, NodeReturn, NodeElement, NodeMember, NodeReference:
		return true
	default:
		return false
	}
}

// composite reports if the node is itself a value placed into a value slot.
func (k NodeKind) composite() bool {
	switch k {
	case NodeArray, NodeStruct, NodeBitmask, NodeReference:
		return true
	default:
		return false
	}
}

// frame is one open node on the nesting stack.
type frame struct {
	kind   NodeKind
	typ    string
	name   string // function for calls, argument or member name
	no     uint64 // call number
	length int    // declared array length
	addr   uint64 // reference address
	count  int    // children (array elements) or values written into the node
}

// admits reports whether a node of kind child may be opened under parent, a nil parent is the empty stack.
func admits(parent *frame, child NodeKind) bool {
	if parent == nil {
		return child == NodeCall
	}
	switch parent.kind {
	case NodeCall:
		return child == NodeArg || child == NodeReturn
	case NodeArray:
		return child == NodeElement
	case NodeStruct:
		return child == NodeMember
	case NodeBitmask:
		return false
	}
	return parent.kind.valueSlot() && child.composite()
}

// acceptsLiteral reports whether a literal of kind may be written under parent.
func acceptsLiteral(parent *frame, kind LiteralKind) bool {
	if parent == nil || !kind.valid() {
		return false
	} else if parent.kind == NodeBitmask {
		return kind.integral()
	}
	return parent.kind.valueSlot()
}
