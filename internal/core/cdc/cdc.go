// Package cdc derives the deterministic identifiers of an invoice: the
// deduplication fingerprint and the 44-digit control identifier (CDC).
package cdc

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	ControlIDLength    = 44
	SecurityCodeLength = 9
)

var errNotNumeric = errors.New("control id fields must be numeric")

// Fingerprint is a stable hash over the issuer tax id, the document number
// and the issuance instant normalized to UTC seconds.
func Fingerprint(taxID, documentNumber string, issuedAt time.Time) string {
	canonical := strings.Join([]string{
		strings.TrimSpace(taxID),
		strings.TrimSpace(documentNumber),
		issuedAt.UTC().Truncate(time.Second).Format(time.RFC3339),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Fields are the components of a control identifier.
type Fields struct {
	DocumentType  int
	TaxID         string
	TaxIDCheck    string
	Establishment string
	EmissionPoint string
	Number        string
	TaxpayerType  int
	IssuedAt      time.Time
	EmissionType  int
	SecurityCode  string
}

// ControlID concatenates the fixed-width fields and appends the modulo 11
// check digit.
func ControlID(f Fields) (string, error) {
	parts := []struct {
		name  string
		value string
		width int
	}{
		{"document type", fmt.Sprintf("%d", f.DocumentType), 2},
		{"tax id", f.TaxID, 8},
		{"tax id check", f.TaxIDCheck, 1},
		{"establishment", f.Establishment, 3},
		{"emission point", f.EmissionPoint, 3},
		{"number", f.Number, 7},
		{"taxpayer type", fmt.Sprintf("%d", f.TaxpayerType), 1},
		{"issue date", f.IssuedAt.Format("20060102"), 8},
		{"emission type", fmt.Sprintf("%d", f.EmissionType), 1},
		{"security code", f.SecurityCode, SecurityCodeLength},
	}

	var b strings.Builder
	b.Grow(ControlIDLength)
	for _, p := range parts {
		v, err := pad(p.value, p.width)
		if err != nil {
			return "", fmt.Errorf("control id %s: %w", p.name, err)
		}
		b.WriteString(v)
	}
	base := b.String()
	return base + fmt.Sprintf("%d", CheckDigit(base)), nil
}

// CheckDigit computes the weighted modulo 11 digit: weights cycle 2..7
// from the rightmost digit.
func CheckDigit(digits string) int {
	sum := 0
	weight := 2
	for i := len(digits) - 1; i >= 0; i-- {
		sum += int(digits[i]-'0') * weight
		weight++
		if weight > 7 {
			weight = 2
		}
	}
	r := sum % 11
	switch r {
	case 0, 1:
		return r
	default:
		return 11 - r
	}
}

// Valid reports whether a control identifier carries a correct check digit.
func Valid(controlID string) bool {
	if len(controlID) != ControlIDLength || !numeric(controlID) {
		return false
	}
	base, last := controlID[:ControlIDLength-1], int(controlID[ControlIDLength-1]-'0')
	return CheckDigit(base) == last
}

// NewSecurityCode returns a random 9-digit code.
func NewSecurityCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000_000))
	if err != nil {
		return "", fmt.Errorf("generate security code: %w", err)
	}
	return fmt.Sprintf("%09d", n.Int64()), nil
}

func pad(value string, width int) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" || !numeric(value) {
		return "", errNotNumeric
	}
	if len(value) > width {
		return "", fmt.Errorf("%q exceeds %d digits", value, width)
	}
	return strings.Repeat("0", width-len(value)) + value, nil
}

func numeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
