package xmldsig

import (
	"context"
	"crypto"
	"errors"
	"fmt"

	dsig "github.com/russellhaering/goxmldsig"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/document/xmlde"
)

// Signer adds an enveloped RSA-SHA256 signature over the DE element,
// referenced by its Id, and places it right after DE inside rDE.
type Signer struct {
	loader CredentialLoader
}

func NewSigner(loader CredentialLoader) *Signer {
	return &Signer{loader: loader}
}

func (s *Signer) Sign(ctx context.Context, issuer domain.Issuer, controlID string, document []byte) ([]byte, error) {
	doc, root, err := xmlde.ParseDocument(document)
	if err != nil {
		return nil, err
	}
	de := root.SelectElement("DE")
	if de == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "sign document", errors.New("DE element not found"))
	}
	if id := de.SelectAttrValue("Id", ""); id != controlID {
		return nil, domain.WrapError(domain.ErrInvalidInput, "sign document", fmt.Errorf("DE Id %q does not match control id %q", id, controlID))
	}
	if existing := root.SelectElement("Signature"); existing != nil {
		root.RemoveChild(existing)
	}

	cred, err := s.loader.Load(ctx, issuer)
	if err != nil {
		return nil, err
	}

	signCtx, err := dsig.NewSigningContext(cred.Signer, [][]byte{cred.Certificate.Raw})
	if err != nil {
		return nil, fmt.Errorf("signing context: %w", err)
	}
	signCtx.Hash = crypto.SHA256
	signCtx.IdAttribute = "Id"
	signCtx.Prefix = ""
	signCtx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")

	// Canonicalization rewrites the element it is given, so digest a
	// detached copy carrying the inherited default namespace.
	detached := de.Copy()
	detached.CreateAttr("xmlns", root.SelectAttrValue("xmlns", xmlde.Namespace))
	sig, err := signCtx.ConstructSignature(detached, true)
	if err != nil {
		return nil, fmt.Errorf("construct signature: %w", err)
	}
	root.InsertChildAt(de.Index()+1, sig)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize signed document: %w", err)
	}
	return out, nil
}
