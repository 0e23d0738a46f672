// Package web embeds the now-playing page templates and static assets.
package web

import "embed"

// TemplatesFS contains the embedded HTML templates.
//
//go:embed all:templates
var TemplatesFS embed.FS

// StaticFS contains the embedded static assets (CSS, JS, placeholder art).
//
//go:embed all:static
var StaticFS embed.FS
