package calltrace

// Scope closes the node opened by the LogStream method that returned it, typically deferred:
//
//	defer stream.Call("glClear").End()
//	arg := stream.Arg("GLbitfield", "mask")
//	stream.LiteralUInt(0x4000)
//	arg.End()
//
// End only acts once, so an explicit End followed by a deferred one is safe.
type Scope struct {
	s    *LogStream
	kind NodeKind
	done bool
}

// End performs the End call matching the scope's Begin.
func (sc *Scope) End() {
	if sc == nil || sc.done {
		return
	}
	sc.done = true
	if sc.kind == NodeCall {
		sc.s.EndCall()
	} else {
		sc.s.end(sc.kind)
	}
}

// Call begins a call block and returns its scope.
func (s *LogStream) Call(function string) *Scope {
	s.BeginCall(function)
	return &Scope{s: s, kind: NodeCall}
}

// Arg begins an argument and returns its scope.
func (s *LogStream) Arg(typ, name string) *Scope {
	s.BeginArg(typ, name)
	return &Scope{s: s, kind: NodeArg}
}

// Return begins the return value and returns its scope.
func (s *LogStream) Return(typ string) *Scope {
	s.BeginReturn(typ)
	return &Scope{s: s, kind: NodeReturn}
}

// Array begins an array and returns its scope.
func (s *LogStream) Array(typ string, length int) *Scope {
	s.BeginArray(typ, length)
	return &Scope{s: s, kind: NodeArray}
}

// Element begins an array element and returns its scope.
func (s *LogStream) Element(typ string) *Scope {
	s.BeginElement(typ)
	return &Scope{s: s, kind: NodeElement}
}

// Struct begins a struct and returns its scope.
func (s *LogStream) Struct(typ string) *Scope {
	s.BeginStruct(typ)
	return &Scope{s: s, kind: NodeStruct}
}

// Member begins a struct member and returns its scope.
func (s *LogStream) Member(typ, name string) *Scope {
	s.BeginMember(typ, name)
	return &Scope{s: s, kind: NodeMember}
}

// Bitmask begins a bitmask and returns its scope.
func (s *LogStream) Bitmask(typ string) *Scope {
	s.BeginBitmask(typ)
	return &Scope{s: s, kind: NodeBitmask}
}

// Reference begins a reference and returns its scope.
func (s *LogStream) Reference(typ string, addr uintptr) *Scope {
	s.BeginReference(typ, addr)
	return &Scope{s: s, kind: NodeReference}
}
