// Package catalog lists the models installed on the backend in the OpenAI
// model-list shape.
package catalog

import (
	"context"

	"ollama-gateway/internal/apierr"
	"ollama-gateway/internal/ollama"
	"ollama-gateway/internal/translator"
)

// Lister is the backend capability the catalog needs.
type Lister interface {
	ListModels(ctx context.Context) ([]ollama.Model, error)
}

// Catalog queries the backend on every call. Nothing is cached because
// operators can pull or remove models at any time.
type Catalog struct {
	lister     Lister
	translator *translator.Translator
	ownedBy    string
}

// New returns a Catalog reporting ownedBy for every entry.
func New(lister Lister, tr *translator.Translator, ownedBy string) *Catalog {
	return &Catalog{lister: lister, translator: tr, ownedBy: ownedBy}
}

// List returns the installed models. A backend failure is reported as
// KindBackendUnavailable, never as an empty list.
func (c *Catalog) List(ctx context.Context) (translator.ModelList, error) {
	models, err := c.lister.ListModels(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return translator.ModelList{}, err
		}
		e := apierr.From(err)
		if e.Kind == apierr.KindBackendUnavailable {
			return translator.ModelList{}, e
		}
		return translator.ModelList{}, apierr.Wrap(apierr.KindBackendUnavailable, err, "cannot list backend models")
	}
	return c.translator.Models(models, c.ownedBy), nil
}
