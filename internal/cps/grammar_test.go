package cps

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiregate/wiregate/internal/model"
)

func TestValidate(t *testing.T) {
	valid := []string{
		"<b 0x1234>",
		"<b 0xDEADbeef><c><t>",
		"<r 1><rc 1000><rd 16>",
		"<b   0x00> <c>\n<t>",
		"0x0a0b<r 4>",
		"<t>0xff",
	}
	for _, s := range valid {
		assert.NoError(t, Validate(s), s)
	}

	invalid := map[string]string{
		"empty":          "",
		"spaces only":    "   ",
		"odd hex":        "<b 0x123>",
		"no hex digits":  "<b 0x>",
		"bad hex":        "<b 0xzz>",
		"b without 0x":   "<b 1234>",
		"zero length":    "<r 0>",
		"too long":       "<rc 1001>",
		"negative":       "<rd -1>",
		"not a number":   "<r ten>",
		"unknown tag":    "<x 4>",
		"counter arg":    "<c 4>",
		"unterminated":   "<b 0x12",
		"stray text":     "<c>hello",
		"missing length": "<r>",
	}
	for name, s := range invalid {
		err := Validate(s)
		assert.ErrorIs(t, err, model.ErrInvalidInput, name)
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"0xDEADBEEF",
		"<b 0xAB> <c>   <t>",
		"0x0102<r 8>0x0304",
		"<rc 5>\t<rd 3>",
	}
	for _, in := range inputs {
		once, err := Normalize(in)
		require.NoError(t, err, in)
		twice, err := Normalize(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, in)
		assert.NotContains(t, once, " 0X")
		assert.False(t, strings.HasPrefix(once, "0x"), once)
	}

	got, err := Normalize("0xDEADBEEF")
	require.NoError(t, err)
	assert.Equal(t, "<b 0xdeadbeef>", got)

	got, err = Normalize("<b 0xAB> <c>   <t>")
	require.NoError(t, err)
	assert.Equal(t, "<b 0xab><c><t>", got)
}

func TestGenerate(t *testing.T) {
	now := time.Unix(0x01020304, 0)
	random := bytes.NewReader(bytes.Repeat([]byte{0, 1, 2, 51, 52, 200}, 10))

	out, err := Generate("<b 0xc0ff><c><t><r 2><rc 6><rd 6>", 7, now, random)
	require.NoError(t, err)
	require.Len(t, out, 2+4+4+2+6+6)

	assert.Equal(t, []byte{0xc0, 0xff}, out[:2])
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(out[2:6]))
	assert.Equal(t, uint32(0x01020304), binary.BigEndian.Uint32(out[6:10]))
	assert.Equal(t, []byte{0, 1}, out[10:12])
	for _, c := range out[12:18] {
		assert.True(t, strings.ContainsRune(letters, rune(c)), "letter %q", c)
	}
	for _, c := range out[18:] {
		assert.True(t, c >= '0' && c <= '9', "digit %q", c)
	}

	_, err = Generate("<r 100>", 0, now, bytes.NewReader([]byte{1}))
	assert.Error(t, err)
	_, err = Generate("<q>", 0, now, random)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}
