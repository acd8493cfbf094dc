package domain

import "time"

type OperatingMode string

const (
	ModeTest OperatingMode = "test"
	ModeProd OperatingMode = "prod"
)

// Issuer is the read-only configuration of an emitting company.
type Issuer struct {
	ID                  string
	TaxID               string
	TaxIDCheck          string
	LegalName           string
	TradeName           string
	TaxpayerType        int
	Establishment       string
	EmissionPoint       string
	Authorization       string
	AuthorizationStart  time.Time
	EconomicActivity    string
	EconomicActivityDsc string
	Address             string
	HouseNumber         string
	DepartmentCode      int
	DepartmentName      string
	CityCode            int
	CityName            string
	Phone               string
	Email               string
	CredentialPath      string
	CredentialSecret    string
	CSCID               string
	CSC                 string
	Mode                OperatingMode
	Active              bool
}

// HasCredential reports whether a signing credential is configured.
func (i *Issuer) HasCredential() bool {
	return i.CredentialPath != "" && i.CredentialSecret != ""
}

func (i *Issuer) Validate() error {
	if !i.Active {
		return WrapError(ErrInvalidInput, "issuer", errIssuerInactive)
	}
	if !i.HasCredential() {
		return WrapError(ErrInvalidInput, "issuer", errIssuerNoCredential)
	}
	if i.TaxID == "" || i.TaxIDCheck == "" {
		return WrapError(ErrInvalidInput, "issuer", errIssuerNoTaxID)
	}
	if i.Authorization == "" {
		return WrapError(ErrInvalidInput, "issuer", errIssuerNoAuthorization)
	}
	return nil
}
