package calltrace

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleModelCalls() []*Call {
	return []*Call{
		{
			No:   0,
			Name: "glTexImage2D",
			Args: []Arg{
				{Type: "GLenum", Name: "target", Value: NamedConstantLiteral("GL_TEXTURE_2D")},
				{Type: "const GLvoid *", Name: "pixels", Value: &Reference{
					Type: "const GLubyte *",
					Addr: 0xbeef,
					Value: &Array{
						Type:   "GLubyte",
						Length: 2,
						Elements: []Element{
							{Type: "GLubyte", Value: UIntLiteral(255)},
							{Type: "GLubyte", Value: UIntLiteral(0)},
						},
					},
				}},
				{Type: "Params", Name: "params", Value: &Struct{
					Type: "Params",
					Members: []Member{
						{Type: "float", Name: "scale", Value: FloatLiteral(0.25)},
						{Type: "const char *", Name: "label", Value: StringLiteral([]byte("tex\x00<0>"))},
					},
				}},
				{Type: "GLbitfield", Name: "flags", Value: &Bitmask{
					Type:  "GLbitfield",
					Flags: []Literal{NamedConstantLiteral("GL_MAP_READ_BIT"), SIntLiteral(-8)},
				}},
				{Type: "void *", Name: "user", Value: NullLiteral()},
			},
			Ret: &Return{Type: "GLboolean", Value: BoolLiteral(false)},
		},
		{
			No:   1,
			Name: "glFlush",
		},
		{
			No:   2,
			Name: "wglMakeCurrent",
			Args: []Arg{
				{Type: "LPCWSTR", Name: "name", Value: WStringLiteral([]uint32{'x', 0x1f600, 0xd800})},
				{Type: "HGLRC", Name: "ctx", Value: OpaqueLiteral(0)},
			},
			Ret: &Return{Type: "BOOL", Value: SIntLiteral(1)},
		},
	}
}

func writeModelTrace(t *testing.T, calls []*Call) string {
	t.Helper()

	rec := &sinkRecorder{}
	s, _ := newTestStream(rec, nil)
	require.NoError(t, s.Open("trace.xml"))
	for _, c := range calls {
		s.WriteCall(c)
	}
	require.NoError(t, s.Close())
	return rec.sink(0).String()
}

func TestReadTraceRoundTrip(t *testing.T) {
	t.Parallel()

	want := sampleModelCalls()
	text := writeModelTrace(t, want)

	trace, err := ReadTrace(strings.NewReader(text))
	require.NoError(t, err)
	assert.Equal(t, want, trace.Calls)
	assert.Empty(t, trace.Diagnostics)

	// writing the parsed model again reproduces the text
	assertTraceText(t, text, writeModelTrace(t, trace.Calls))
}

func TestReadTraceTruncated(t *testing.T) {
	t.Parallel()

	text := writeModelTrace(t, sampleModelCalls())
	lastCall := strings.Index(text, `<call no="2"`)
	require.Positive(t, lastCall)

	tests := []struct {
		name  string
		text  string
		calls int
	}{
		{"empty", "", 0},
		{"header_only", traceHeader, 0},
		{"between_calls", text[:lastCall], 2},
		{"inside_tag", text[:lastCall+20], 2},
		{"inside_call", text[:len(text)-len("</call>\n"+traceFooter)], 2},
		{"missing_footer", text[:len(text)-len(traceFooter)], 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trace, err := ReadTrace(strings.NewReader(tt.text))
			require.ErrorIs(t, err, ErrTruncatedTrace)
			assert.Len(t, trace.Calls, tt.calls)
		})
	}
}

func TestReadTraceError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
	}{
		{"wrong_root", "<log></log>"},
		{"bad_literal", traceText(`<call no="0" name="f">`, "\t"+`<arg name="x"><int>x</int></arg>`, `</call>`)},
		{"bad_call_number", traceText(`<call no="first" name="f">`, `</call>`)},
		{"bad_escape", traceText(`<call no="0" name="f\q">`, `</call>`)},
		{"bad_array_length", traceText(`<call no="0" name="f">`, "\t"+`<arg name="x"><array length="many"></array></arg>`, `</call>`)},
		{"mismatched_element", traceText(`<call no="0" name="f">`, `</arg>`)},
		{"text_between_calls", traceText(`stray`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadTrace(strings.NewReader(tt.text))
			require.Error(t, err)
			assert.False(t, errors.Is(err, ErrTruncatedTrace))
		})
	}
}

func TestReadTraceDiagnostics(t *testing.T) {
	t.Parallel()

	text := traceText(
		`<!-- captured by test -->`,
		`<call no="4" name="glEnd">`,
		"\t"+`<arg name="x"><int>1</int><!-- protocol violation: extra value in arg --><int>2</int></arg>`,
		`</call>`,
	)
	trace, err := ReadTrace(strings.NewReader(text))
	require.NoError(t, err)
	require.Len(t, trace.Calls, 1)

	call := trace.Calls[0]
	assert.Equal(t, uint64(4), call.No)
	assert.Equal(t, []string{"protocol violation: extra value in arg"}, call.Diagnostics)
	x, ok := call.Arg("x")
	require.True(t, ok)
	assert.Equal(t, SIntLiteral(1), x.Value)

	assert.Equal(t, []string{"captured by test", "protocol violation: extra value in arg"}, trace.Diagnostics)
	assert.Equal(t, []string{"extra value in arg"}, trace.Violations())
}
