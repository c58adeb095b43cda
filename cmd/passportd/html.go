package main

import (
	"context"
	"embed"
	"html/template"
	"net/http"
	"time"

	"within.website/ln"
	"within.website/ln/opname"
)

//go:embed templates/*.html
var templateFS embed.FS

func logTemplateTime(ctx context.Context, name string, from time.Time) {
	now := time.Now()
	ln.Log(ctx, ln.F{"action": "template_rendered", "dur": now.Sub(from).String(), "name": name})
}

func (s *site) renderTemplate(w http.ResponseWriter, r *http.Request, templateFname string, data interface{}) {
	ctx := opname.With(r.Context(), "renderTemplate")
	defer logTemplateTime(ctx, templateFname, time.Now())

	t, err := template.ParseFS(templateFS, "templates/base.html", "templates/"+templateFname)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		ln.Error(ctx, err, ln.F{"action": "renderTemplate", "page": templateFname})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = t.Execute(w, data)
	if err != nil {
		ln.Error(ctx, err, ln.F{"action": "renderTemplate", "page": templateFname})
	}
}

func (s *site) renderTemplatePage(templateFname string, data interface{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.renderTemplate(w, r, templateFname, data)
	})
}
