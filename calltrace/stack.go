package calltrace

// nestingStack holds the open frames, innermost last.
type nestingStack struct {
	frames []frame
}

func (s *nestingStack) depth() int {
	return len(s.frames)
}

// top returns the innermost frame or nil when empty. The pointer is only valid until the next push.
func (s *nestingStack) top() *frame {
	if len(s.frames) == 0 {
		return nil
	}
	return &s.frames[len(s.frames)-1]
}

func (s *nestingStack) push(f frame) {
	s.frames = append(s.frames, f)
}

func (s *nestingStack) reset() {
	s.frames = s.frames[:0]
}

func (s *nestingStack) pop() frame {
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	return f
}

// find returns the index of the innermost frame of kind, or -1.
func (s *nestingStack) find(kind NodeKind) int {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].kind == kind {
			return i
		}
	}
	return -1
}

// path describes the open frames from the outermost, used in diagnostics.
func (s *nestingStack) path() string {
	if len(s.frames) == 0 {
		return "empty"
	}
	var b []byte
	for i, f := range s.frames {
		if i > 0 {
			b = append(b, '/')
		}
		b = append(b, f.kind.String()...)
	}
	return string(b)
}
