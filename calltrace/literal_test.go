package calltrace

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendLiteral(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		literal Literal
		want    string
	}{
		{"bool_true", BoolLiteral(true), "<bool>true</bool>"},
		{"bool_false", BoolLiteral(false), "<bool>false</bool>"},
		{"sint_negative", SIntLiteral(-3), "<int>-3</int>"},
		{"sint_min", SIntLiteral(math.MinInt64), "<int>-9223372036854775808</int>"},
		{"uint_max", UIntLiteral(math.MaxUint64), "<uint>18446744073709551615</uint>"},
		{"float", FloatLiteral(0.1), "<float>0.1</float>"},
		{"float_whole", FloatLiteral(2), "<float>2</float>"},
		{"float_exponent", FloatLiteral(1e300), "<float>1e+300</float>"},
		{"float_nan", FloatLiteral(math.NaN()), "<float>nan</float>"},
		{"float_inf", FloatLiteral(math.Inf(1)), "<float>inf</float>"},
		{"float_neg_inf", FloatLiteral(math.Inf(-1)), "<float>-inf</float>"},
		{"string_plain", StringLiteral([]byte("hello world")), "<string>hello world</string>"},
		{"string_delimiters", StringLiteral([]byte(`a<b>&"'\`)), `<string>a\x3cb\x3e\x26\x22\x27\x5c</string>`},
		{"string_control", StringLiteral([]byte("a\x00\n\x7f")), `<string>a\x00\x0a\x7f</string>`},
		{"string_non_ascii", StringLiteral([]byte("é")), `<string>\xc3\xa9</string>`},
		{"string_invalid_utf8", StringLiteral([]byte{0xff, 0xfe}), `<string>\xff\xfe</string>`},
		{"string_empty", StringLiteral(nil), "<string></string>"},
		{"wstring_ascii", WStringLiteral([]uint32{'h', 'i'}), "<wstring>hi</wstring>"},
		{"wstring_bmp", WStringLiteral([]uint32{0xe9, '<'}), `<wstring>\u00e9\u003c</wstring>`},
		{"wstring_surrogate", WStringLiteral([]uint32{0xd800}), `<wstring>\ud800</wstring>`},
		{"wstring_astral", WStringLiteral([]uint32{0x1f600}), `<wstring>\U0001f600</wstring>`},
		{"wstring_out_of_range", WStringLiteral([]uint32{0x110000}), `<wstring>\U00110000</wstring>`},
		{"const", NamedConstantLiteral("GL_TRIANGLES"), "<const>GL_TRIANGLES</const>"},
		{"opaque", OpaqueLiteral(0xdeadbeef), "<opaque>0x00000000deadbeef</opaque>"},
		{"opaque_zero", OpaqueLiteral(0), "<opaque>0x0000000000000000</opaque>"},
		{"null", NullLiteral(), "<null/>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(appendLiteral(nil, tt.literal)))
		})
	}
}

func TestParseLiteralRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		literal Literal
	}{
		{"bool", BoolLiteral(true)},
		{"sint", SIntLiteral(math.MinInt64)},
		{"uint", UIntLiteral(math.MaxUint64)},
		{"float", FloatLiteral(3.141592653589793)},
		{"float_small", FloatLiteral(5e-324)},
		{"float_inf", FloatLiteral(math.Inf(-1))},
		{"string_every_byte", StringLiteral(func() []byte {
			b := make([]byte, 256)
			for i := range b {
				b[i] = byte(i)
			}
			return b
		}())},
		{"wstring", WStringLiteral([]uint32{'a', 0, 0xdfff, 0xffff, 0x10000, 0xffffffff})},
		{"const", NamedConstantLiteral("GL_COLOR_BUFFER_BIT")},
		{"opaque", OpaqueLiteral(math.MaxUint64)},
		{"null", NullLiteral()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLiteral(tt.literal.Kind.String(), tt.literal.Text())
			require.NoError(t, err)
			assert.Equal(t, tt.literal, got)
		})
	}

	t.Run("nan", func(t *testing.T) {
		got, err := parseLiteral("float", FloatLiteral(math.NaN()).Text())
		require.NoError(t, err)
		assert.Equal(t, LiteralFloat, got.Kind)
		assert.True(t, math.IsNaN(got.Float))
	})

	t.Run("opaque_zero_not_null", func(t *testing.T) {
		got, err := parseLiteral("opaque", OpaqueLiteral(0).Text())
		require.NoError(t, err)
		assert.Equal(t, LiteralOpaque, got.Kind)
		assert.NotEqual(t, NullLiteral(), got)
	})
}

func TestParseLiteralError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tag  string
		text string
	}{
		{"bool", "1"},
		{"int", "1.5"},
		{"uint", "-1"},
		{"float", "fast"},
		{"string", `\x4`},
		{"string", `\q00`},
		{"wstring", `\u12`},
		{"wstring", `\x41`},
		{"opaque", "0x1234"},
		{"opaque", "1234567890123456xx"},
		{"null", "0"},
		{"pointer", ""},
	}

	for _, tt := range tests {
		t.Run(tt.tag+"_"+tt.text, func(t *testing.T) {
			_, err := parseLiteral(tt.tag, tt.text)
			require.Error(t, err)
		})
	}
}

func TestAppendEscapedDash(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `end arg without open arg (open: empty)`,
		string(appendEscaped(nil, "end arg without open arg (open: empty)", true)))
	assert.Equal(t, `a\x2d\x2db`, string(appendEscaped(nil, "a--b", true)))
	assert.Equal(t, `a--b`, string(appendEscaped(nil, "a--b", false)))
}

func TestLiteralKind(t *testing.T) {
	t.Parallel()

	for tag, kind := range literalKindByTag {
		assert.Equal(t, tag, kind.String())
		assert.True(t, kind.valid())
	}
	assert.False(t, LiteralKind(0).valid())
	assert.Equal(t, "unknown", LiteralKind(99).String())

	assert.True(t, LiteralNamedConstant.integral())
	assert.True(t, LiteralUInt.integral())
	assert.False(t, LiteralFloat.integral())
	assert.False(t, LiteralString.integral())
}

func TestStringLiteralCopies(t *testing.T) {
	t.Parallel()

	b := []byte("abc")
	l := StringLiteral(b)
	b[0] = 'z'
	assert.Equal(t, []byte("abc"), l.Bytes)

	w := []uint32{'a'}
	wl := WStringLiteral(w)
	w[0] = 'z'
	assert.Equal(t, []uint32{'a'}, wl.Wide)
}
