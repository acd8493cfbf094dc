package cdc

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenarioFields() Fields {
	return Fields{
		DocumentType:  1,
		TaxID:         "80012345",
		TaxIDCheck:    "1",
		Establishment: "001",
		EmissionPoint: "001",
		Number:        "0000060",
		TaxpayerType:  2,
		IssuedAt:      time.Date(2026, 2, 24, 9, 30, 0, 0, time.UTC),
		EmissionType:  1,
		SecurityCode:  "123456789",
	}
}

func TestCheckDigitKnownValues(t *testing.T) {
	cases := map[string]int{
		"12345":   5,
		"0":       0,
		"6":       1,
		"3":       5,
		"1000000": 9,
	}
	for digits, want := range cases {
		assert.Equal(t, want, CheckDigit(digits), "digits %s", digits)
	}
}

func TestControlIDLayoutAndRoundTrip(t *testing.T) {
	id, err := ControlID(scenarioFields())
	require.NoError(t, err)
	require.Len(t, id, ControlIDLength)

	base := "01" + "80012345" + "1" + "001" + "001" + "0000060" + "2" + "20260224" + "1" + "123456789"
	assert.Equal(t, base, id[:ControlIDLength-1])
	assert.Equal(t, strconv.Itoa(CheckDigit(base)), id[ControlIDLength-1:])
	assert.True(t, Valid(id))

	again, err := ControlID(scenarioFields())
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestValidRejectsTamperedDigit(t *testing.T) {
	id, err := ControlID(scenarioFields())
	require.NoError(t, err)

	last := id[ControlIDLength-1] - '0'
	tampered := id[:ControlIDLength-1] + strconv.Itoa(int((last+1)%10))
	assert.False(t, Valid(tampered))
	assert.False(t, Valid(id[:10]))
	assert.False(t, Valid("x"+id[1:]))
}

func TestControlIDPadsShortFields(t *testing.T) {
	f := scenarioFields()
	f.TaxID = "123456"
	f.Establishment = "1"
	id, err := ControlID(f)
	require.NoError(t, err)
	assert.Equal(t, "0100123456", id[:10])
	assert.Equal(t, "001", id[11:14])
}

func TestControlIDRejectsInvalidFields(t *testing.T) {
	f := scenarioFields()
	f.TaxID = "8001234X"
	_, err := ControlID(f)
	assert.Error(t, err)

	f = scenarioFields()
	f.Number = "12345678"
	_, err = ControlID(f)
	assert.Error(t, err)

	f = scenarioFields()
	f.SecurityCode = ""
	_, err = ControlID(f)
	assert.Error(t, err)
}

func TestFingerprintDeterministic(t *testing.T) {
	at := time.Date(2026, 2, 24, 0, 0, 0, 0, time.FixedZone("PYT", -3*60*60))
	a := Fingerprint("80012345", "0000060", at)
	b := Fingerprint("80012345", "0000060", at.UTC())
	c := Fingerprint(" 80012345 ", "0000060", at.Add(400*time.Millisecond))
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, Fingerprint("80012345", "0000061", at))
	assert.NotEqual(t, a, Fingerprint("80012346", "0000060", at))
	assert.NotEqual(t, a, Fingerprint("80012345", "0000060", at.Add(time.Second)))
}

func TestNewSecurityCode(t *testing.T) {
	code, err := NewSecurityCode()
	require.NoError(t, err)
	assert.Len(t, code, SecurityCodeLength)
	assert.True(t, numeric(code))
}
