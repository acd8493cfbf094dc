package qr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/document/xmlde"
)

const controlID = "01800123451001001000006022026022411234567894"

func signedDocument(withSignature bool) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><rDE xmlns="http://ekuatia.set.gov.py/sifen/xsd"><dVerFor>150</dVerFor>`)
	b.WriteString(`<DE Id="` + controlID + `">`)
	b.WriteString(`<gTimb><dEst>001</dEst><dPunExp>001</dPunExp><dNumDoc>0000060</dNumDoc></gTimb>`)
	b.WriteString(`<gDatGralOpe><dFeEmiDE>2026-02-24T00:00:00</dFeEmiDE><gDatRec><dRucRec>4444444</dRucRec><dDVRec>4</dDVRec><dNomRec>Cliente</dNomRec></gDatRec></gDatGralOpe>`)
	b.WriteString(`<gDtipDE><gCamItem><dCodInt>001</dCodInt></gCamItem></gDtipDE>`)
	b.WriteString(`<gTotSub><dTotGralOpe>110000</dTotGralOpe><dTotIVA>10000</dTotIVA></gTotSub>`)
	b.WriteString(`</DE>`)
	if withSignature {
		b.WriteString(`<Signature xmlns="http://www.w3.org/2000/09/xmldsig#"><SignedInfo><Reference URI="#` + controlID + `"><DigestValue>q1w2e3r4==</DigestValue></Reference></SignedInfo></Signature>`)
	}
	b.WriteString(`</rDE>`)
	return []byte(b.String())
}

func testIssuer() domain.Issuer {
	return domain.Issuer{ID: "issuer-1", CSCID: "0001", CSC: "ABCD0000000000000000000000000000", Mode: domain.ModeTest}
}

func TestStampPlacesLinkAfterSignature(t *testing.T) {
	out, err := NewStamper().Stamp(context.Background(), testIssuer(), signedDocument(true))
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(out))
	children := doc.Root().ChildElements()
	require.Len(t, children, 4)
	assert.Equal(t, "Signature", children[2].Tag)
	assert.Equal(t, "gCamFuFD", children[3].Tag)

	link := children[3].SelectElement("dCarQR").Text()
	assert.True(t, strings.HasPrefix(link, TestBaseURL))
	query, err := url.ParseQuery(strings.TrimPrefix(link, TestBaseURL))
	require.NoError(t, err)
	assert.Equal(t, controlID, query.Get("Id"))
	assert.Equal(t, "4444444", query.Get("dRucRec"))
	assert.Equal(t, "1", query.Get("cItems"))
	assert.Equal(t, hex.EncodeToString([]byte("q1w2e3r4==")), query.Get("DigestValue"))
}

func TestStampReplacesPreviousLink(t *testing.T) {
	stamper := NewStamper()
	first, err := stamper.Stamp(context.Background(), testIssuer(), signedDocument(true))
	require.NoError(t, err)

	issuer := testIssuer()
	issuer.Mode = domain.ModeProd
	second, err := stamper.Stamp(context.Background(), issuer, first)
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(string(second), "<gCamFuFD>"))
	assert.Contains(t, string(second), ProdBaseURL)
}

func TestStampRequiresSignature(t *testing.T) {
	_, err := NewStamper().Stamp(context.Background(), testIssuer(), signedDocument(false))
	assert.True(t, domain.IsKind(err, domain.ErrInvalidInput))
}

func TestStampRequiresCSC(t *testing.T) {
	issuer := testIssuer()
	issuer.CSC = ""
	_, err := NewStamper().Stamp(context.Background(), issuer, signedDocument(true))
	assert.True(t, domain.IsKind(err, domain.ErrInvalidInput))
}

func TestParamsHashIsSaltedWithCSC(t *testing.T) {
	summary, err := xmlde.ReadSummary(signedDocument(true))
	require.NoError(t, err)

	params := Params(summary, "0001", "secret")
	idx := strings.LastIndex(params, "&cHashQR=")
	require.Greater(t, idx, 0)
	sum := sha256.Sum256([]byte(params[:idx] + "secret"))
	assert.Equal(t, hex.EncodeToString(sum[:]), params[idx+len("&cHashQR="):])

	assert.Equal(t, params, Params(summary, "0001", "secret"))
	assert.NotEqual(t, params, Params(summary, "0001", "other"))
}

func TestParamsUsesIdentityNumberForNonTaxpayers(t *testing.T) {
	summary := &xmlde.Summary{ControlID: controlID, ReceiverIDNum: "1234567", Total: "1", TotalVAT: "0", DigestValue: "x"}
	params := Params(summary, "0001", "csc")
	assert.Contains(t, params, "&dNumIDRec=1234567")
	assert.NotContains(t, params, "dRucRec")
}
