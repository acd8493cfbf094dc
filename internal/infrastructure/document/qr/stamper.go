package qr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/document/xmlde"
)

const (
	TestBaseURL = "https://ekuatia.set.gov.py/consultas-test/qr?"
	ProdBaseURL = "https://ekuatia.set.gov.py/consultas/qr?"
)

// Stamper writes the verification link into gCamFuFD/dCarQR. The link
// carries a hash of its own parameters salted with the issuer's CSC.
type Stamper struct {
	testURL string
	prodURL string
}

func NewStamper() *Stamper {
	return &Stamper{testURL: TestBaseURL, prodURL: ProdBaseURL}
}

func (s *Stamper) Stamp(ctx context.Context, issuer domain.Issuer, document []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if issuer.CSC == "" || issuer.CSCID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "stamp document", errors.New("issuer has no CSC configured"))
	}
	summary, err := xmlde.ReadSummary(document)
	if err != nil {
		return nil, err
	}
	if summary.DigestValue == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "stamp document", errors.New("document is not signed"))
	}

	link := s.baseURL(issuer.Mode) + Params(summary, issuer.CSCID, issuer.CSC)

	doc, root, err := xmlde.ParseDocument(document)
	if err != nil {
		return nil, err
	}
	if existing := root.SelectElement("gCamFuFD"); existing != nil {
		root.RemoveChild(existing)
	}
	anchor := root.SelectElement("Signature")
	if anchor == nil {
		anchor = root.SelectElement("DE")
	}
	fufd := etree.NewElement("gCamFuFD")
	fufd.CreateElement("dCarQR").SetText(link)
	root.InsertChildAt(anchor.Index()+1, fufd)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize stamped document: %w", err)
	}
	return out, nil
}

func (s *Stamper) baseURL(mode domain.OperatingMode) string {
	if mode == domain.ModeProd {
		return s.prodURL
	}
	return s.testURL
}

// Params builds the query string of the verification link, ending with
// cHashQR = sha256(params || csc).
func Params(summary *xmlde.Summary, cscID, csc string) string {
	var b strings.Builder
	b.WriteString("nVersion=" + xmlde.FormatVersion)
	b.WriteString("&Id=" + summary.ControlID)
	b.WriteString("&dFeEmiDE=" + hex.EncodeToString([]byte(summary.IssuedAtRaw)))
	if summary.ReceiverRUC != "" {
		b.WriteString("&dRucRec=" + summary.ReceiverRUC)
	} else {
		b.WriteString("&dNumIDRec=" + summary.ReceiverIDNum)
	}
	b.WriteString("&dTotGralOpe=" + summary.Total)
	b.WriteString("&dTotIVA=" + summary.TotalVAT)
	b.WriteString("&cItems=" + summary.ItemCount())
	b.WriteString("&DigestValue=" + hex.EncodeToString([]byte(summary.DigestValue)))
	b.WriteString("&IdCSC=" + cscID)

	params := b.String()
	sum := sha256.Sum256([]byte(params + csc))
	return params + "&cHashQR=" + hex.EncodeToString(sum[:])
}
