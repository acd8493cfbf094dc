package sifen

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/document/xmlde"
)

const soapNamespace = "http://www.w3.org/2003/05/soap-envelope"

// requestID derives the numeric dId (at most 15 digits) of one call.
func requestID(seed string, at time.Time) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	_, _ = h.Write([]byte(strconv.FormatInt(at.UnixNano(), 10)))
	id := h.Sum64() % 1_000_000_000_000_000
	if id == 0 {
		id = 1
	}
	return strconv.FormatUint(id, 10)
}

func newEnvelope() (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("env:Envelope")
	env.CreateAttr("xmlns:env", soapNamespace)
	env.CreateElement("env:Header")
	return doc, env.CreateElement("env:Body")
}

func buildRecibeEnvelope(id string, document []byte) ([]byte, error) {
	_, rde, err := xmlde.ParseDocument(document)
	if err != nil {
		return nil, err
	}
	doc, body := newEnvelope()
	req := body.CreateElement("rEnviDe")
	req.CreateAttr("xmlns", xmlde.Namespace)
	req.CreateElement("dId").SetText(id)
	req.CreateElement("xDE").AddChild(rde)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize recibe envelope: %w", err)
	}
	return out, nil
}

func buildConsultaEnvelope(id, controlID string) ([]byte, error) {
	doc, body := newEnvelope()
	req := body.CreateElement("rEnviConsDeRequest")
	req.CreateAttr("xmlns", xmlde.Namespace)
	req.CreateElement("dId").SetText(id)
	req.CreateElement("dCDC").SetText(controlID)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize consulta envelope: %w", err)
	}
	return out, nil
}

func decodeRecibeResponse(raw []byte) (*domain.SubmissionResult, error) {
	doc, err := readResponse(raw)
	if err != nil {
		return nil, err
	}
	prot := doc.FindElement("//rProtDe")
	if prot == nil {
		return nil, fmt.Errorf("decode recibe response: rProtDe not found")
	}
	res := &domain.SubmissionResult{
		ControlID: childText(prot, "Id"),
		Raw:       raw,
	}
	res.Code, res.Message = resultOf(prot.FindElements("gResProc"))
	if res.Code == "" {
		return nil, fmt.Errorf("decode recibe response: result code missing")
	}
	return res, nil
}

func decodeConsultaResponse(raw []byte) (*domain.SubmissionResult, error) {
	doc, err := readResponse(raw)
	if err != nil {
		return nil, err
	}
	resp := doc.FindElement("//rEnviConsDeResponse")
	if resp == nil {
		return nil, fmt.Errorf("decode consulta response: rEnviConsDeResponse not found")
	}
	res := &domain.SubmissionResult{
		Code:    childText(resp, "dCodRes"),
		Message: childText(resp, "dMsgRes"),
		Raw:     raw,
	}
	if res.Code == "" {
		return nil, fmt.Errorf("decode consulta response: result code missing")
	}
	if id := resp.FindElement(".//DE"); id != nil {
		res.ControlID = id.SelectAttrValue("Id", "")
	}
	return res, nil
}

func readResponse(raw []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("parse authority response: %w", err)
	}
	if fault := faultReason(doc); fault != "" {
		return nil, &FaultError{Operation: "sifen", Reason: fault}
	}
	return doc, nil
}

// decodeFault returns the fault reason of a SOAP fault body, if any.
func decodeFault(raw []byte) string {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return ""
	}
	return faultReason(doc)
}

func faultReason(doc *etree.Document) string {
	fault := doc.FindElement("//Fault")
	if fault == nil {
		return ""
	}
	if reason := fault.FindElement(".//Reason/Text"); reason != nil {
		return strings.TrimSpace(reason.Text())
	}
	if code := fault.FindElement(".//Code/Value"); code != nil {
		return strings.TrimSpace(code.Text())
	}
	return "unspecified fault"
}

// resultOf takes the first result code and joins every message.
func resultOf(results []*etree.Element) (string, string) {
	var code string
	messages := make([]string, 0, len(results))
	for _, r := range results {
		if code == "" {
			code = childText(r, "dCodRes")
		}
		if msg := childText(r, "dMsgRes"); msg != "" {
			messages = append(messages, msg)
		}
	}
	return code, strings.Join(messages, "; ")
}

func childText(el *etree.Element, tag string) string {
	if child := el.SelectElement(tag); child != nil {
		return strings.TrimSpace(child.Text())
	}
	return ""
}

type FaultError struct {
	Operation string
	Reason    string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s fault: %s", e.Operation, e.Reason)
}
