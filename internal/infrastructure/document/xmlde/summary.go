package xmlde

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/beevik/etree"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
)

// Summary is the header view of an assembled document, read back from
// its XML by the stamper and the renderer.
type Summary struct {
	ControlID      string
	IssuedAtRaw    string
	IssuedAt       time.Time
	DocumentName   string
	Authorization  string
	Correlative    string
	IssuerTaxID    string
	IssuerName     string
	IssuerAddress  string
	ReceiverTaxID  string
	ReceiverRUC    string
	ReceiverIDNum  string
	ReceiverName   string
	Currency       string
	Condition      string
	Total          string
	TotalVAT       string
	VAT5           string
	VAT10          string
	DigestValue    string
	VerificationQR string
	Items          []SummaryItem
}

type SummaryItem struct {
	Code        string
	Description string
	Quantity    string
	UnitPrice   string
	Total       string
	VATRate     string
}

// ParseDocument reads an rDE document.
func ParseDocument(data []byte) (*etree.Document, *etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, nil, domain.WrapError(domain.ErrInvalidInput, "parse document", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "rDE" {
		return nil, nil, domain.WrapError(domain.ErrInvalidInput, "parse document", errors.New("root element rDE not found"))
	}
	return doc, root, nil
}

// ReadSummary extracts the fields needed to stamp or print a document.
func ReadSummary(data []byte) (*Summary, error) {
	_, root, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	de := root.SelectElement("DE")
	if de == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read summary", errors.New("DE element not found"))
	}

	s := &Summary{
		ControlID:      de.SelectAttrValue("Id", ""),
		IssuedAtRaw:    find(de, "gDatGralOpe/dFeEmiDE"),
		DocumentName:   find(de, "gTimb/dDesTiDE"),
		Authorization:  find(de, "gTimb/dNumTim"),
		IssuerTaxID:    joinTaxID(find(de, "gDatGralOpe/gEmis/dRucEm"), find(de, "gDatGralOpe/gEmis/dDVEmi")),
		IssuerName:     find(de, "gDatGralOpe/gEmis/dNomEmi"),
		IssuerAddress:  find(de, "gDatGralOpe/gEmis/dDirEmi"),
		ReceiverTaxID:  joinTaxID(find(de, "gDatGralOpe/gDatRec/dRucRec"), find(de, "gDatGralOpe/gDatRec/dDVRec")),
		ReceiverRUC:    find(de, "gDatGralOpe/gDatRec/dRucRec"),
		ReceiverIDNum:  find(de, "gDatGralOpe/gDatRec/dNumIDRec"),
		ReceiverName:   find(de, "gDatGralOpe/gDatRec/dNomRec"),
		Currency:       find(de, "gDatGralOpe/gOpeCom/cMoneOpe"),
		Condition:      find(de, "gDtipDE/gCamCond/dDCondOpe"),
		Total:          find(de, "gTotSub/dTotGralOpe"),
		TotalVAT:       find(de, "gTotSub/dTotIVA"),
		VAT5:           find(de, "gTotSub/dIVA5"),
		VAT10:          find(de, "gTotSub/dIVA10"),
		DigestValue:    find(root, ".//Signature/SignedInfo/Reference/DigestValue"),
		VerificationQR: find(root, "gCamFuFD/dCarQR"),
	}
	s.Correlative = domain.Correlative(find(de, "gTimb/dEst"), find(de, "gTimb/dPunExp"), find(de, "gTimb/dNumDoc"))
	if s.ControlID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read summary", errors.New("DE has no Id"))
	}
	if s.IssuedAtRaw != "" {
		ts, err := time.ParseInLocation(timestampFmt, s.IssuedAtRaw, domain.LocalZone())
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "read summary", fmt.Errorf("emission date: %w", err))
		}
		s.IssuedAt = ts
	}
	for _, it := range de.FindElements("gDtipDE/gCamItem") {
		s.Items = append(s.Items, SummaryItem{
			Code:        find(it, "dCodInt"),
			Description: find(it, "dDesProSer"),
			Quantity:    find(it, "dCantProSer"),
			UnitPrice:   find(it, "gValorItem/dPUniProSer"),
			Total:       find(it, "gValorItem/gValorRestaItem/dTotOpeItem"),
			VATRate:     find(it, "gCamIVA/dTasaIVA"),
		})
	}
	return s, nil
}

// ItemCount is the number of item lines.
func (s *Summary) ItemCount() string {
	return strconv.Itoa(len(s.Items))
}

func find(el *etree.Element, path string) string {
	if found := el.FindElement(path); found != nil {
		return found.Text()
	}
	return ""
}

func joinTaxID(id, check string) string {
	if id == "" {
		return ""
	}
	if check == "" {
		return id
	}
	return id + "-" + check
}
