package mango

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRegexOptions(t *testing.T) {
	assert.Nil(t, validateRegexOptions("ims"))
	assert.NotNil(t, validateRegexOptions("g"))
}

func TestClassifyRegex_Exact(t *testing.T) {
	s := classifyRegex("^Alice$", "")
	assert.Equal(t, regexExact, s.kind)
	assert.Equal(t, "Alice", s.literal)
}

func TestClassifyRegex_Prefix(t *testing.T) {
	s := classifyRegex("^Ali", "")
	assert.Equal(t, regexPrefix, s.kind)
	assert.Equal(t, "Ali", s.literal)
}

func TestClassifyRegex_Suffix(t *testing.T) {
	s := classifyRegex("ice$", "")
	assert.Equal(t, regexSuffix, s.kind)
}

func TestClassifyRegex_Substring(t *testing.T) {
	s := classifyRegex("lic", "")
	assert.Equal(t, regexSubstring, s.kind)
}

func TestClassifyRegex_Metachar_Unrepresentable(t *testing.T) {
	s := classifyRegex("^a+b", "")
	assert.Equal(t, regexUnrepresentable, s.kind)
}

func TestClassifyRegex_EscapedDotKept(t *testing.T) {
	s := classifyRegex(`^a\.b$`, "")
	assert.Equal(t, regexExact, s.kind)
	assert.Equal(t, `a\.b`, s.literal)
}

func TestEscapeLikeLiteral(t *testing.T) {
	assert.Equal(t, `test\%name`, escapeLikeLiteral("test%name"))
	assert.Equal(t, "a.b", escapeLikeLiteral(`a\.b`))
}

func TestTranslateRegex_Prefix(t *testing.T) {
	f, cfgErr := translateRegex(strCol(), "^Ali", "", false)
	assert.Nil(t, cfgErr)
	assert.Contains(t, f.SQL, "LIKE")
	assert.Contains(t, f.SQL, "ESCAPE '\\'")
	assert.Equal(t, "Ali%", f.Args[len(f.Args)-1])
}

func TestTranslateRegex_InvalidOption(t *testing.T) {
	f, cfgErr := translateRegex(strCol(), "^Ali", "g", false)
	assert.Nil(t, f)
	assert.NotNil(t, cfgErr)
}

func TestTranslateRegex_Unrepresentable(t *testing.T) {
	f, cfgErr := translateRegex(strCol(), "^a+b", "", false)
	assert.Nil(t, f)
	assert.Nil(t, cfgErr)
}

func TestTranslateRegex_CaseInsensitiveEscaping(t *testing.T) {
	f, cfgErr := translateRegex(strCol(), "test%name", "i", false)
	assert.Nil(t, cfgErr)
	assert.Contains(t, f.SQL, "LOWER(")
	assert.Equal(t, `%test\%name%`, f.Args[len(f.Args)-1])
}

func TestTranslateRegex_Array(t *testing.T) {
	f, cfgErr := translateRegex(arrCol(), "^Ali", "", false)
	assert.Nil(t, cfgErr)
	assert.Contains(t, f.SQL, "EXISTS")
	assert.Contains(t, f.SQL, "json_each")
}
