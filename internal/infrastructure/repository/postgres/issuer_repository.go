package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
)

// IssuerRepository reads issuer configuration; it never writes.
type IssuerRepository struct {
	db *sql.DB
}

func NewIssuerRepository(db *sql.DB) *IssuerRepository {
	return &IssuerRepository{db: db}
}

func (r *IssuerRepository) GetByID(ctx context.Context, id string) (*domain.Issuer, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, tax_id, tax_id_check, legal_name, trade_name, taxpayer_type, establishment, emission_point,
	authorization_number, authorization_start, economic_activity, economic_activity_desc, address, house_number,
	department_code, department_name, city_code, city_name, phone, email, credential_path, credential_secret,
	csc_id, csc, mode, active
FROM issuers
WHERE id = $1
`, id)

	var (
		issuer domain.Issuer
		mode   string
	)
	err := row.Scan(
		&issuer.ID, &issuer.TaxID, &issuer.TaxIDCheck, &issuer.LegalName, &issuer.TradeName, &issuer.TaxpayerType,
		&issuer.Establishment, &issuer.EmissionPoint, &issuer.Authorization, &issuer.AuthorizationStart,
		&issuer.EconomicActivity, &issuer.EconomicActivityDsc, &issuer.Address, &issuer.HouseNumber,
		&issuer.DepartmentCode, &issuer.DepartmentName, &issuer.CityCode, &issuer.CityName, &issuer.Phone,
		&issuer.Email, &issuer.CredentialPath, &issuer.CredentialSecret, &issuer.CSCID, &issuer.CSC, &mode,
		&issuer.Active,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrIssuerNotFound, "get issuer", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan issuer: %w", err)
	}
	issuer.Mode = domain.OperatingMode(mode)
	return &issuer, nil
}
