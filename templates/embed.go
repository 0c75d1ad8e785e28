// Package templates holds the HTML setup forms served by the drivers.
package templates

import (
	"embed"
	"fmt"
	"html/template"
)

// PowerSupplySetup is the setup form of the IT6000C driver.
const PowerSupplySetup = "psu_setup.html"

//go:embed *.html
var FS embed.FS

// LoadTemplates parses the embedded forms and checks that every form a
// driver renders is present.
func LoadTemplates() (*template.Template, error) {
	tmpl, err := template.ParseFS(FS, "*.html")
	if err != nil {
		return nil, err
	}
	if tmpl.Lookup(PowerSupplySetup) == nil {
		return nil, fmt.Errorf("template %s not found", PowerSupplySetup)
	}
	return tmpl, nil
}
