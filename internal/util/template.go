package util

import "strings"

// TemplateVars are the recipient fields available to message content.
type TemplateVars struct {
	Name    string
	Company string
	Phone   string
	Email   string
}

// RenderTemplate replaces {name}, {company}, {phone} and {email}. Unknown or
// empty placeholders are left as literal text.
func RenderTemplate(body string, v TemplateVars) string {
	pairs := make([]string, 0, 8)
	for k, val := range map[string]string{"name": v.Name, "company": v.Company, "phone": v.Phone, "email": v.Email} {
		if val == "" {
			continue
		}
		pairs = append(pairs, "{"+k+"}", val)
	}
	if len(pairs) == 0 {
		return body
	}
	return strings.NewReplacer(pairs...).Replace(body)
}
