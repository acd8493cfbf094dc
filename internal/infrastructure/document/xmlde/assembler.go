package xmlde

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
)

const (
	Namespace     = "http://ekuatia.set.gov.py/sifen/xsd"
	FormatVersion = "150"

	schemaLocation = "http://ekuatia.set.gov.py/sifen/xsd siRecepDE_v150.xsd"
	xsiNamespace   = "http://www.w3.org/2001/XMLSchema-instance"
	timestampFmt   = "2006-01-02T15:04:05"
	dateFmt        = "2006-01-02"
)

var (
	hundred      = decimal.NewFromInt(100)
	documentName = map[int]string{
		1: "Factura electrónica",
		4: "Autofactura electrónica",
		5: "Nota de crédito electrónica",
		6: "Nota de débito electrónica",
		7: "Nota de remisión electrónica",
	}
)

// Assembler builds the unsigned rDE document.
type Assembler struct {
	now func() time.Time
}

func NewAssembler() *Assembler {
	return &Assembler{now: time.Now}
}

func (a *Assembler) Assemble(ctx context.Context, req domain.DocumentRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.ControlID) != 44 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "assemble document", fmt.Errorf("control id must have 44 digits, got %d", len(req.ControlID)))
	}
	if len(req.Input.Items) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "assemble document", fmt.Errorf("document has no items"))
	}

	places := currencyPlaces(req.Input.Currency)
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("rDE")
	root.CreateAttr("xmlns", Namespace)
	root.CreateAttr("xmlns:xsi", xsiNamespace)
	root.CreateAttr("xsi:schemaLocation", schemaLocation)
	text(root, "dVerFor", FormatVersion)

	de := root.CreateElement("DE")
	de.CreateAttr("Id", req.ControlID)
	text(de, "dDVId", req.ControlID[43:])
	text(de, "dFecFirma", a.now().In(domain.LocalZone()).Format(timestampFmt))
	text(de, "dSisFact", "1")

	ope := de.CreateElement("gOpeDE")
	text(ope, "iTipEmi", strconv.Itoa(req.Input.EmissionType))
	text(ope, "dDesTipEmi", emissionTypeName(req.Input.EmissionType))
	text(ope, "dCodSeg", req.SecurityCode)
	if notes := clean(req.Input.Notes); notes != "" {
		text(ope, "dInfoFisc", notes)
	}

	timb := de.CreateElement("gTimb")
	text(timb, "iTiDE", strconv.Itoa(req.DocumentType))
	text(timb, "dDesTiDE", documentTypeName(req.DocumentType))
	text(timb, "dNumTim", req.Issuer.Authorization)
	text(timb, "dEst", req.Establishment)
	text(timb, "dPunExp", req.EmissionPoint)
	text(timb, "dNumDoc", req.Number)
	if !req.Issuer.AuthorizationStart.IsZero() {
		text(timb, "dFeIniT", req.Issuer.AuthorizationStart.Format(dateFmt))
	}

	general := de.CreateElement("gDatGralOpe")
	text(general, "dFeEmiDE", req.IssuedAt.In(domain.LocalZone()).Format(timestampFmt))
	com := general.CreateElement("gOpeCom")
	text(com, "iTipTra", "1")
	text(com, "dDesTipTra", "Venta de mercadería")
	text(com, "iTImp", "1")
	text(com, "dDesTImp", "IVA")
	text(com, "cMoneOpe", req.Input.Currency)
	addEmitter(general, req.Issuer)
	addReceiver(general, req.Input.Receiver)

	typed := de.CreateElement("gDtipDE")
	fe := typed.CreateElement("gCamFE")
	text(fe, "iIndPres", "1")
	text(fe, "dDesIndPres", "Operación presencial")
	cond := typed.CreateElement("gCamCond")
	text(cond, "iCondOpe", strconv.Itoa(req.Input.Condition))
	text(cond, "dDCondOpe", conditionName(req.Input.Condition))

	sums := &totals{}
	for _, item := range req.Input.Items {
		l := computeLine(item, places)
		sums.add(item.VATRate, l)
		addItem(typed, item, l, places)
	}
	addTotals(de, sums, places)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize document: %w", err)
	}
	return out, nil
}

func addEmitter(parent *etree.Element, issuer domain.Issuer) {
	em := parent.CreateElement("gEmis")
	text(em, "dRucEm", issuer.TaxID)
	text(em, "dDVEmi", issuer.TaxIDCheck)
	text(em, "iTipCont", strconv.Itoa(issuer.TaxpayerType))
	text(em, "dNomEmi", clean(issuer.LegalName))
	if name := clean(issuer.TradeName); name != "" {
		text(em, "dNomFanEmi", name)
	}
	text(em, "dDirEmi", clean(issuer.Address))
	text(em, "dNumCas", orDefault(issuer.HouseNumber, "0"))
	text(em, "cDepEmi", strconv.Itoa(issuer.DepartmentCode))
	text(em, "dDesDepEmi", clean(issuer.DepartmentName))
	text(em, "cCiuEmi", strconv.Itoa(issuer.CityCode))
	text(em, "dDesCiuEmi", clean(issuer.CityName))
	text(em, "dTelEmi", issuer.Phone)
	text(em, "dEmailE", issuer.Email)
	if issuer.EconomicActivity != "" {
		act := em.CreateElement("gActEco")
		text(act, "cActEco", issuer.EconomicActivity)
		text(act, "dDesActEco", clean(issuer.EconomicActivityDsc))
	}
}

func addReceiver(parent *etree.Element, rec domain.Receiver) {
	r := parent.CreateElement("gDatRec")
	if rec.IsTaxpayer() {
		text(r, "iNatRec", "1")
		text(r, "iTiOpe", "1")
	} else {
		text(r, "iNatRec", "2")
		text(r, "iTiOpe", "2")
	}
	text(r, "cPaisRec", rec.Country)
	if rec.IsTaxpayer() {
		text(r, "iTiContRec", "1")
		text(r, "dRucRec", rec.TaxID)
		text(r, "dDVRec", rec.TaxIDCheck)
	} else {
		text(r, "iTipIDRec", "5")
		text(r, "dDTipIDRec", "Innominado")
		text(r, "dNumIDRec", orDefault(rec.TaxID, "0"))
	}
	text(r, "dNomRec", clean(rec.Name))
	if addr := clean(rec.Address); addr != "" {
		text(r, "dDirRec", addr)
	}
	if rec.Email != "" {
		text(r, "dEmailRec", rec.Email)
	}
}

// line holds the computed amounts of one item.
type line struct {
	total decimal.Decimal
	base  decimal.Decimal
	vat   decimal.Decimal
}

func computeLine(item domain.InputItem, places int32) line {
	total := item.Quantity.Mul(item.UnitPrice).Round(places)
	if item.VATRate == 0 {
		return line{total: total}
	}
	// Prices include VAT: base = total * 100 / (100 + rate).
	rate := decimal.NewFromInt(int64(item.VATRate))
	base := total.Mul(hundred).Div(hundred.Add(rate)).Round(places)
	return line{total: total, base: base, vat: total.Sub(base)}
}

func addItem(parent *etree.Element, item domain.InputItem, l line, places int32) {
	it := parent.CreateElement("gCamItem")
	text(it, "dCodInt", item.Code)
	text(it, "dDesProSer", clean(item.Description))
	text(it, "cUniMed", "77")
	text(it, "dDesUniMed", "UNI")
	text(it, "dCantProSer", item.Quantity.String())

	val := it.CreateElement("gValorItem")
	text(val, "dPUniProSer", item.UnitPrice.StringFixed(places))
	text(val, "dTotBruOpeItem", l.total.StringFixed(places))
	rest := val.CreateElement("gValorRestaItem")
	text(rest, "dDescItem", decimal.Zero.StringFixed(places))
	text(rest, "dTotOpeItem", l.total.StringFixed(places))

	vat := it.CreateElement("gCamIVA")
	if item.VATRate == 0 {
		text(vat, "iAfecIVA", "3")
		text(vat, "dDesAfecIVA", "Exento")
		text(vat, "dPropIVA", "0")
		text(vat, "dTasaIVA", "0")
		text(vat, "dBasGravIVA", decimal.Zero.StringFixed(places))
		text(vat, "dLiqIVAItem", decimal.Zero.StringFixed(places))
		return
	}
	text(vat, "iAfecIVA", "1")
	text(vat, "dDesAfecIVA", "Gravado IVA")
	text(vat, "dPropIVA", "100")
	text(vat, "dTasaIVA", strconv.Itoa(item.VATRate))
	text(vat, "dBasGravIVA", l.base.StringFixed(places))
	text(vat, "dLiqIVAItem", l.vat.StringFixed(places))
}

type totals struct {
	exempt, sub5, sub10 decimal.Decimal
	vat5, vat10         decimal.Decimal
	base5, base10       decimal.Decimal
}

func (t *totals) add(rate int, l line) {
	switch rate {
	case 5:
		t.sub5 = t.sub5.Add(l.total)
		t.vat5 = t.vat5.Add(l.vat)
		t.base5 = t.base5.Add(l.base)
	case 10:
		t.sub10 = t.sub10.Add(l.total)
		t.vat10 = t.vat10.Add(l.vat)
		t.base10 = t.base10.Add(l.base)
	default:
		t.exempt = t.exempt.Add(l.total)
	}
}

func addTotals(parent *etree.Element, t *totals, places int32) {
	sub := parent.CreateElement("gTotSub")
	total := t.exempt.Add(t.sub5).Add(t.sub10)
	vat := t.vat5.Add(t.vat10)
	text(sub, "dSubExe", t.exempt.StringFixed(places))
	text(sub, "dSub5", t.sub5.StringFixed(places))
	text(sub, "dSub10", t.sub10.StringFixed(places))
	text(sub, "dTotOpe", total.StringFixed(places))
	text(sub, "dTotDesc", decimal.Zero.StringFixed(places))
	text(sub, "dTotGralOpe", total.StringFixed(places))
	text(sub, "dIVA5", t.vat5.StringFixed(places))
	text(sub, "dIVA10", t.vat10.StringFixed(places))
	text(sub, "dTotIVA", vat.StringFixed(places))
	text(sub, "dBaseGrav5", t.base5.StringFixed(places))
	text(sub, "dBaseGrav10", t.base10.StringFixed(places))
	text(sub, "dTBasGraIVA", t.base5.Add(t.base10).StringFixed(places))
}

func text(parent *etree.Element, tag, value string) *etree.Element {
	el := parent.CreateElement(tag)
	el.SetText(value)
	return el
}

// clean trims and NFC-normalizes free text so composed and decomposed
// accents serialize to the same bytes.
func clean(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func currencyPlaces(currency string) int32 {
	if currency == "" || currency == "PYG" {
		return 0
	}
	return 2
}

func documentTypeName(t int) string {
	if name, ok := documentName[t]; ok {
		return name
	}
	return "Documento electrónico"
}

func emissionTypeName(t int) string {
	if t == 2 {
		return "Contingencia"
	}
	return "Normal"
}

func conditionName(c int) string {
	if c == 2 {
		return "Crédito"
	}
	return "Contado"
}
