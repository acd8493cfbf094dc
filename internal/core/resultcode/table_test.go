package resultcode

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
)

func TestDefaultTableMapping(t *testing.T) {
	table := Default()
	cases := map[string]domain.InvoiceStatus{
		"0000":  domain.StatusAccepted,
		"0260":  domain.StatusAccepted,
		" 0261": domain.StatusAccepted,
		"0300":  domain.StatusProcessing,
		"0361":  domain.StatusProcessing,
		"0160":  domain.StatusRejected,
		"1001":  domain.StatusRejected,
		"4999":  domain.StatusRejected,
		"5000":  domain.StatusSubmitted,
		"":      domain.StatusSubmitted,
		"ABC":   domain.StatusSubmitted,
	}
	for code, want := range cases {
		assert.Equal(t, want, table.Interpret(code), "code %q", code)
	}
}

func TestInterpretIsTotal(t *testing.T) {
	valid := map[domain.InvoiceStatus]bool{
		domain.StatusAccepted:   true,
		domain.StatusProcessing: true,
		domain.StatusRejected:   true,
		domain.StatusSubmitted:  true,
	}
	table := Default()
	for n := 0; n < 10000; n += 7 {
		code := string(rune('0'+n/1000%10)) + string(rune('0'+n/100%10)) + string(rune('0'+n/10%10)) + string(rune('0'+n%10))
		assert.True(t, valid[table.Interpret(code)], "code %s", code)
	}
	var nilTable *Table
	assert.Equal(t, domain.StatusSubmitted, nilTable.Interpret("0260"))
}

func TestNoConnectionOutcome(t *testing.T) {
	out := Default().NoConnection(errors.New("dial tcp: connection refused"))
	assert.Equal(t, domain.StatusError, out.Status)
	assert.Equal(t, domain.ResultCodeNoConnection, out.Code)
	assert.Contains(t, out.Message, "connection refused")
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codes.yaml")
	body := "accepted: [\"0260\"]\npending: [\"0300\"]\nrejected: [\"9999\"]\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	table, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, table.Interpret("9999"))
	assert.Equal(t, domain.StatusSubmitted, table.Interpret("0000"))
	assert.Equal(t, domain.StatusSubmitted, table.Interpret("1001"))
}

func TestParseRejectsConflicts(t *testing.T) {
	_, err := Parse([]byte("accepted: [\"0260\"]\nrejected: [\"0260\"]\n"))
	require.Error(t, err)

	_, err = Parse([]byte("rejected_ranges:\n  - from: 10\n    to: 1\n"))
	require.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	table, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, table.Interpret("0000"))
}
