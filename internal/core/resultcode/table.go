// Package resultcode maps authority result codes onto invoice statuses.
package resultcode

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
)

// Range is an inclusive numeric code interval.
type Range struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
}

type fileFormat struct {
	Accepted       []string `yaml:"accepted"`
	Pending        []string `yaml:"pending"`
	Rejected       []string `yaml:"rejected"`
	RejectedRanges []Range  `yaml:"rejected_ranges"`
}

// Table is an immutable code lookup. The zero value maps every code to
// submitted.
type Table struct {
	codes          map[string]domain.InvoiceStatus
	rejectedRanges []Range
}

// Default returns the built-in code table.
func Default() *Table {
	t, _ := build(fileFormat{
		Accepted:       []string{"0000", "0260", "0261", "0422"},
		Pending:        []string{"0300", "0361", "0362"},
		Rejected:       []string{"0160", "0301"},
		RejectedRanges: []Range{{From: 1000, To: 4999}},
	})
	return t
}

// Load reads a YAML code table. An empty path yields the defaults.
func Load(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read result code table: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Table, error) {
	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode result code table: %w", err)
	}
	return build(f)
}

func build(f fileFormat) (*Table, error) {
	t := &Table{codes: make(map[string]domain.InvoiceStatus)}
	groups := []struct {
		codes  []string
		status domain.InvoiceStatus
	}{
		{f.Accepted, domain.StatusAccepted},
		{f.Pending, domain.StatusProcessing},
		{f.Rejected, domain.StatusRejected},
	}
	for _, g := range groups {
		for _, code := range g.codes {
			code = strings.TrimSpace(code)
			if code == "" {
				continue
			}
			if prev, ok := t.codes[code]; ok && prev != g.status {
				return nil, fmt.Errorf("result code %s listed as both %s and %s", code, prev, g.status)
			}
			t.codes[code] = g.status
		}
	}
	for _, r := range f.RejectedRanges {
		if r.From > r.To {
			return nil, fmt.Errorf("invalid rejected range %d-%d", r.From, r.To)
		}
	}
	t.rejectedRanges = append([]Range(nil), f.RejectedRanges...)
	return t, nil
}

// Interpret is total: unknown and empty codes map to submitted.
func (t *Table) Interpret(code string) domain.InvoiceStatus {
	code = strings.TrimSpace(code)
	if t == nil || code == "" {
		return domain.StatusSubmitted
	}
	if status, ok := t.codes[code]; ok {
		return status
	}
	if n, err := strconv.Atoi(code); err == nil {
		for _, r := range t.rejectedRanges {
			if n >= r.From && n <= r.To {
				return domain.StatusRejected
			}
		}
	}
	return domain.StatusSubmitted
}

// Outcome interprets a decoded authority response.
func (t *Table) Outcome(res *domain.SubmissionResult) domain.Outcome {
	if res == nil {
		return domain.Outcome{Status: domain.StatusSubmitted}
	}
	return domain.Outcome{
		Status:  t.Interpret(res.Code),
		Code:    strings.TrimSpace(res.Code),
		Message: res.Message,
	}
}

// NoConnection is the outcome recorded when the authority was unreachable.
func (t *Table) NoConnection(err error) domain.Outcome {
	msg := "authority unreachable"
	if err != nil {
		msg = err.Error()
	}
	return domain.Outcome{
		Status:  domain.StatusError,
		Code:    domain.ResultCodeNoConnection,
		Message: msg,
	}
}
