package dispatch

import (
	"fmt"

	"github.com/osteele/liquid"

	"github.com/cadencehq/engage/internal/retrypolicy"
)

var liquidEngine = liquid.NewEngine()

// renderTemplate renders a campaign template with the lead, company, and
// product in scope ({{ lead.name }}, {{ product.name }}, ...). Template
// errors are authoring mistakes, not transport failures, so they terminate
// the item with a diagnostic.
func renderTemplate(tmpl string, j *job) (string, error) {
	out, err := liquidEngine.ParseAndRenderString(tmpl, liquid.Bindings{
		"lead": map[string]any{
			"name":         j.lead.Name,
			"email":        j.lead.Email,
			"company":      j.lead.CompanyName,
			"job_title":    j.lead.JobTitle,
			"company_size": j.lead.CompanySize,
		},
		"company": map[string]any{
			"name": j.company.Name,
		},
		"product": map[string]any{
			"name":        j.product.Name,
			"description": j.product.Description,
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: template render: %v", retrypolicy.ErrDataIntegrity, err)
	}
	return out, nil
}
