package keyapi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCode(t *testing.T) {
	type testCase struct {
		input    string
		expected Code
	}

	testCases := []testCase{
		{input: "KEY_ESC", expected: 1},
		{input: "key_esc", expected: 1},
		{input: "esc", expected: 1},
		{input: "  KEY_X ", expected: 45},
		{input: "x", expected: 45},
		{input: "KEY_GRAVE", expected: 41},
		{input: "30", expected: 30},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			code, err := ParseCode(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, code)
		})
	}
}

func TestParseCodeUnknown(t *testing.T) {
	for _, input := range []string{"", "KEY_NOPE", "70000", "not a key"} {
		_, err := ParseCode(input)
		assert.Error(t, err, input)
	}
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "KEY_ESC", Code(1).String())
	assert.Equal(t, "KEY_X", Code(45).String())
	assert.Equal(t, "0xfff0", Code(0xfff0).String())
}

func TestKeyboardCodes(t *testing.T) {
	codes := KeyboardCodes()
	require.NotEmpty(t, codes)
	assert.Contains(t, codes, Code(1))
	assert.Contains(t, codes, Code(45))
	for i, c := range codes {
		assert.Less(t, c, maxKeyboardCode)
		if i > 0 {
			assert.Less(t, codes[i-1], c)
		}
	}
}

func TestTransitionValues(t *testing.T) {
	for _, tr := range []Transition{Pressed, Released, Repeated} {
		back, ok := TransitionFromValue(tr.Value())
		require.True(t, ok)
		assert.Equal(t, tr, back)
		assert.True(t, tr.Valid())
	}
	_, ok := TransitionFromValue(3)
	assert.False(t, ok)
	assert.False(t, Transition(3).Valid())
	assert.Equal(t, "transition(7)", Transition(7).String())
}

func TestConfigErrorMatching(t *testing.T) {
	cause := errors.New("boom")
	err := error(&ConfigError{Kind: ErrUnknownKey, Section: "outgoing", Key: "KEY_NOPE", Err: cause})
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrDuplicateMapping)
	assert.Equal(t, `config error: outgoing: unknown key "KEY_NOPE": boom`, err.Error())
}
