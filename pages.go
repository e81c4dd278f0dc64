package main

import (
	"embed"
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

//go:embed templates/*
var templatesFS embed.FS

var tpl = template.Must(template.New("").ParseFS(templatesFS, "templates/*.html"))

func (n *Node) executeTemplate(w http.ResponseWriter, templateName string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tpl.ExecuteTemplate(w, templateName, data); err != nil {
		n.log.Error("template execution", zap.String("template", templateName), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
