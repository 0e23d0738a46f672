package web

import (
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/justestif/go-spotify-now-playing/internal/nowplaying"
)

// Templates manages HTML template rendering.
type Templates struct {
	templates map[string]*template.Template
	partials  map[string]*template.Template
	funcs     template.FuncMap
}

// NewTemplates creates a new template manager by loading templates from the given filesystem.
func NewTemplates(templatesFS fs.FS) (*Templates, error) {
	t := &Templates{
		templates: make(map[string]*template.Template),
		partials:  make(map[string]*template.Template),
		funcs:     defaultFuncs(),
	}

	if err := t.load(templatesFS); err != nil {
		return nil, err
	}

	return t, nil
}

// Render renders a page template with the given data.
func (t *Templates) Render(w io.Writer, page string, data any) error {
	tmpl, ok := t.templates[page]
	if !ok {
		return fmt.Errorf("template %q not found", page)
	}
	return tmpl.ExecuteTemplate(w, "base", data)
}

// RenderPartial renders a partial template (without base layout) with the given data.
// Each partial file defines a template named after the file.
func (t *Templates) RenderPartial(w io.Writer, partial string, data any) error {
	tmpl, ok := t.partials[partial]
	if !ok {
		return fmt.Errorf("partial %q not found", partial)
	}
	return tmpl.ExecuteTemplate(w, partial, data)
}

// load parses all templates from the filesystem.
func (t *Templates) load(templatesFS fs.FS) error {
	layouts, err := fs.Glob(templatesFS, "layouts/*.html")
	if err != nil {
		return fmt.Errorf("finding layouts: %w", err)
	}

	partials, err := fs.Glob(templatesFS, "partials/*.html")
	if err != nil {
		return fmt.Errorf("finding partials: %w", err)
	}

	pages, err := fs.Glob(templatesFS, "pages/*.html")
	if err != nil {
		return fmt.Errorf("finding pages: %w", err)
	}
	if len(pages) == 0 {
		return fmt.Errorf("no page templates found")
	}

	// Every page sees the layouts and partials.
	common := append(layouts, partials...)

	for _, page := range pages {
		name := templateName(page)
		files := append([]string{page}, common...)

		tmpl, err := template.New(name).Funcs(t.funcs).ParseFS(templatesFS, files...)
		if err != nil {
			return fmt.Errorf("parsing template %s: %w", name, err)
		}
		t.templates[name] = tmpl
	}

	// Partials on their own, for fragment responses.
	for _, partial := range partials {
		name := templateName(partial)

		tmpl, err := template.New(name).Funcs(t.funcs).ParseFS(templatesFS, partials...)
		if err != nil {
			return fmt.Errorf("parsing partial %s: %w", name, err)
		}
		// template.New always registers name, so an undefined partial shows
		// up as an empty tree rather than a missing lookup.
		if lt := tmpl.Lookup(name); lt == nil || lt.Tree == nil {
			return fmt.Errorf("partial %s does not define %q", partial, name)
		}
		t.partials[name] = tmpl
	}

	return nil
}

func templateName(file string) string {
	return strings.TrimSuffix(path.Base(file), ".html")
}

// defaultFuncs returns the default template functions.
func defaultFuncs() template.FuncMap {
	return template.FuncMap{
		// formatTime renders milliseconds as m:ss
		"formatTime": nowplaying.FormatTime,

		// initial returns the upper-cased first letter of a name, for the avatar
		"initial": func(name string) string {
			r, _ := utf8.DecodeRuneInString(name)
			if r == utf8.RuneError {
				return "?"
			}
			return string(unicode.ToUpper(r))
		},
	}
}

// PageData contains common data passed to all page templates.
type PageData struct {
	Title       string
	User        *UserData
	CurrentPath string
}

// UserData contains authenticated user information.
type UserData struct {
	ID   string
	Name string
}

// HomePageData contains data for the home page template.
type HomePageData struct {
	PageData
	Authenticated bool
	NowPlaying    nowplaying.View
	Controls      ControlsData
}

// ControlsData drives the playback control bar.
type ControlsData struct {
	Playing bool
}
