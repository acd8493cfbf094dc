package pdf

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jaranetwork/fepy-backend/internal/infrastructure/document/xmlde"
)

// Structures mirror the pdfcpu create JSON format.
type layout struct {
	Paper  string           `json:"paper"`
	Origin string           `json:"origin"`
	Pages  map[string]*page `json:"pages"`
}

type page struct {
	Content content `json:"content"`
}

type content struct {
	Text  []textBox `json:"text,omitempty"`
	Table []table   `json:"table,omitempty"`
}

type font struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

type textBox struct {
	Value string     `json:"value"`
	Pos   [2]float64 `json:"pos"`
	Width float64    `json:"width,omitempty"`
	Font  font       `json:"font"`
	Align string     `json:"align,omitempty"`
}

type tableHeader struct {
	Values []string `json:"values"`
	BgCol  string   `json:"bgCol"`
	Font   font     `json:"font"`
}

type table struct {
	Values     [][]string  `json:"values"`
	Pos        [2]float64  `json:"pos"`
	Width      float64     `json:"width"`
	Rows       int         `json:"rows"`
	Cols       int         `json:"cols"`
	ColWidths  []int       `json:"colWidths"`
	ColAnchors []string    `json:"colAnchors"`
	LineHeight int         `json:"lheight"`
	Font       font        `json:"font"`
	Grid       bool        `json:"grid"`
	Header     tableHeader `json:"header"`
}

const (
	itemsPerPage = 25
	left         = 40.0
	bodyWidth    = 515.0
)

var (
	regular = font{Name: "Helvetica", Size: 9}
	bold    = font{Name: "Helvetica-Bold", Size: 10}
	title   = font{Name: "Helvetica-Bold", Size: 14}
)

// pageCount is the number of pages a summary lays out on.
func pageCount(s *xmlde.Summary) int {
	n := (len(s.Items) + itemsPerPage - 1) / itemsPerPage
	if n == 0 {
		return 1
	}
	return n
}

// buildLayout lays out the printable representation: header block on
// every page, items split across pages, totals and verification link on
// the last one.
func buildLayout(s *xmlde.Summary) ([]byte, error) {
	total := pageCount(s)
	l := layout{Paper: "A4", Origin: "UpperLeft", Pages: make(map[string]*page, total)}

	for p := 0; p < total; p++ {
		start := p * itemsPerPage
		end := min(start+itemsPerPage, len(s.Items))
		pg := &page{}
		pg.Content.Text = header(s, p+1, total)
		pg.Content.Table = []table{itemsTable(s.Items[start:end])}
		if p == total-1 {
			pg.Content.Text = append(pg.Content.Text, footer(s, end-start)...)
		}
		l.Pages[strconv.Itoa(p+1)] = pg
	}

	out, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal pdf layout: %w", err)
	}
	return out, nil
}

func header(s *xmlde.Summary, pageNo, pages int) []textBox {
	lines := []textBox{
		{Value: s.IssuerName, Pos: [2]float64{left, 40}, Font: title},
		{Value: "RUC: " + s.IssuerTaxID, Pos: [2]float64{left, 60}, Font: regular},
		{Value: s.IssuerAddress, Pos: [2]float64{left, 72}, Font: regular},
		{Value: s.DocumentName, Pos: [2]float64{360, 40}, Font: bold},
		{Value: "Timbrado: " + s.Authorization, Pos: [2]float64{360, 56}, Font: regular},
		{Value: "Nro: " + s.Correlative, Pos: [2]float64{360, 68}, Font: regular},
		{Value: "Fecha de emisión: " + s.IssuedAtRaw, Pos: [2]float64{left, 100}, Font: regular},
		{Value: "Condición: " + s.Condition, Pos: [2]float64{360, 100}, Font: regular},
		{Value: "Cliente: " + s.ReceiverName, Pos: [2]float64{left, 112}, Font: regular},
		{Value: "RUC / CI: " + receiverID(s), Pos: [2]float64{360, 112}, Font: regular},
		{Value: "Moneda: " + s.Currency, Pos: [2]float64{left, 124}, Font: regular},
	}
	if pages > 1 {
		lines = append(lines, textBox{
			Value: fmt.Sprintf("Página %d de %d", pageNo, pages),
			Pos:   [2]float64{360, 124},
			Font:  regular,
		})
	}
	return lines
}

func itemsTable(items []xmlde.SummaryItem) table {
	values := make([][]string, 0, len(items))
	for _, it := range items {
		values = append(values, []string{it.Code, it.Description, it.Quantity, it.UnitPrice, it.VATRate + "%", it.Total})
	}
	rows := len(values)
	if rows == 0 {
		rows = 1
	}
	return table{
		Values:     values,
		Pos:        [2]float64{left, 150},
		Width:      bodyWidth,
		Rows:       rows,
		Cols:       6,
		ColWidths:  []int{10, 40, 10, 15, 8, 17},
		ColAnchors: []string{"Left", "Left", "Right", "Right", "Right", "Right"},
		LineHeight: 16,
		Font:       regular,
		Grid:       true,
		Header: tableHeader{
			Values: []string{"Código", "Descripción", "Cant.", "Precio", "IVA", "Total"},
			BgCol:  "#DDDDDD",
			Font:   bold,
		},
	}
}

func footer(s *xmlde.Summary, rows int) []textBox {
	y := 150 + float64(rows+1)*16 + 24
	// pdfcpu expands %-directives in text boxes, so a literal percent
	// sign is written as %%.
	lines := []textBox{
		{Value: "Total de la operación: " + s.Total, Pos: [2]float64{360, y}, Font: bold},
		{Value: "Liquidación IVA 5%%: " + s.VAT5, Pos: [2]float64{left, y}, Font: regular},
		{Value: "Liquidación IVA 10%%: " + s.VAT10, Pos: [2]float64{left, y + 12}, Font: regular},
		{Value: "Total IVA: " + s.TotalVAT, Pos: [2]float64{left, y + 24}, Font: regular},
		{Value: "CDC: " + s.ControlID, Pos: [2]float64{left, y + 48}, Font: bold},
	}
	if s.VerificationQR != "" {
		lines = append(lines,
			textBox{Value: "Consulte la validez de este documento en:", Pos: [2]float64{left, y + 64}, Font: regular},
			textBox{Value: s.VerificationQR, Pos: [2]float64{left, y + 76}, Width: bodyWidth, Font: font{Name: "Helvetica", Size: 6}},
		)
	}
	return lines
}

func receiverID(s *xmlde.Summary) string {
	if s.ReceiverTaxID != "" {
		return s.ReceiverTaxID
	}
	return s.ReceiverIDNum
}
