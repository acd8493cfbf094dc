package pdf

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/jaranetwork/fepy-backend/internal/infrastructure/document/xmlde"
)

var disableConfigDir sync.Once

// Renderer builds the printable PDF of a signed document.
type Renderer struct{}

func NewRenderer() *Renderer {
	// Core fonts only; pdfcpu must not create a config dir under $HOME.
	disableConfigDir.Do(api.DisableConfigDir)
	return &Renderer{}
}

func (r *Renderer) Render(ctx context.Context, document []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	summary, err := xmlde.ReadSummary(document)
	if err != nil {
		return nil, err
	}
	spec, err := buildLayout(summary)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := api.Create(nil, bytes.NewReader(spec), &out, newConfiguration()); err != nil {
		return nil, fmt.Errorf("create pdf: %w", err)
	}

	pages, err := api.PageCount(bytes.NewReader(out.Bytes()), newConfiguration())
	if err != nil {
		return nil, fmt.Errorf("validate pdf: %w", err)
	}
	if want := pageCount(summary); pages != want {
		return nil, fmt.Errorf("validate pdf: expected %d pages, got %d", want, pages)
	}
	return out.Bytes(), nil
}

func newConfiguration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}
