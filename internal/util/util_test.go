package util

import (
	"strings"
	"testing"
)

func TestRenderTemplate(t *testing.T) {
	got := RenderTemplate("Hi {name} from {company}, call {phone}. {unknown}", TemplateVars{
		Name: "Ana", Company: "Casa Sol", Phone: "+34600000001",
	})
	want := "Hi Ana from Casa Sol, call +34600000001. {unknown}"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRenderTemplateLeavesEmptyFieldsLiteral(t *testing.T) {
	got := RenderTemplate("Dear {name}, {email}", TemplateVars{Name: "Bo"})
	if got != "Dear Bo, {email}" {
		t.Fatalf("unexpected render %q", got)
	}
}

func TestNewIDsArePrefixedAndUnique(t *testing.T) {
	a, b := NewCampaignID(), NewUnitID()
	if !strings.HasPrefix(a, "cmp_") || !strings.HasPrefix(b, "unit_") {
		t.Fatalf("unexpected prefixes %q %q", a, b)
	}
	if NewUnitID() == b {
		t.Fatalf("expected unique ids")
	}
}

func TestNormalizePhone(t *testing.T) {
	if got := NormalizePhone(" +34 600 000 001 "); got != "+34600000001" {
		t.Fatalf("got %q", got)
	}
}
