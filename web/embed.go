// Package web holds the page served at the root route.
package web

import (
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templates embed.FS

// Templates parses the embedded page templates.
func Templates() (*template.Template, error) {
	return template.ParseFS(templates, "templates/*.html")
}
