package handler

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/kz-records/internal/domain"
	"github.com/kz-records/internal/validate"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed templates/*.html
var templateFS embed.FS

// PageData is what the leaderboard template renders
type PageData struct {
	CurrentMap string
	Maps       []string
	Records    []domain.LeaderboardRecord
	Stats      domain.Statistics
}

type alertData struct {
	Level   string
	Message string
}

type pageRenderer struct {
	tmpl *template.Template
}

func newPageRenderer() *pageRenderer {
	printer := message.NewPrinter(language.English)
	funcs := template.FuncMap{
		"thousands": func(n int64) string {
			return printer.Sprintf("%d", n)
		},
		// Player names are HTML-escaped when records are built
		"escaped": func(s string) template.HTML {
			return template.HTML(s)
		},
	}
	tmpl := template.Must(template.New("page").Funcs(funcs).ParseFS(templateFS, "templates/*.html"))
	return &pageRenderer{tmpl: tmpl}
}

func (p *pageRenderer) render(name string, data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Page renders the leaderboard HTML fragment for the requested map
func (h *Handler) Page(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client := clientFromRequest(r)

	budget := h.budgets.Page
	if !h.limiters.Page.Admit(client.IP, budget.MaxRequests, budget.Window) {
		h.logger.Warn("page rate limit exceeded", "ip", client.IP)
		if h.metrics != nil {
			h.metrics.RateLimited("page")
		}
		h.writeAlert(w, http.StatusTooManyRequests, "warning", "Too many requests. Please try again later.")
		return
	}

	if !h.service.Available(ctx) {
		h.writeAlert(w, http.StatusServiceUnavailable, "danger", "Database connection failed. Please try again later.")
		return
	}

	current := h.service.DefaultMap()
	if requested := r.URL.Query().Get("map"); validate.MapNameShape(requested) {
		current = requested
	}

	// Over-budget or rejected maps show an empty table
	records, _ := h.service.MapRecords(ctx, client, current)

	data := PageData{
		CurrentMap: current,
		Maps:       h.service.GetMaps(ctx),
		Records:    records,
		Stats:      h.service.GetStatistics(ctx),
	}

	body, err := h.page.render("leaderboard", data)
	if err != nil {
		h.logger.Error("failed to render page", "error", err)
		h.writeAlert(w, http.StatusInternalServerError, "danger", "Internal server error")
		return
	}
	h.writeHTML(w, http.StatusOK, body)
}

func (h *Handler) writeAlert(w http.ResponseWriter, status int, level, msg string) {
	body, err := h.page.render("alert", alertData{Level: level, Message: msg})
	if err != nil {
		h.logger.Error("failed to render alert", "error", err)
		http.Error(w, msg, status)
		return
	}
	h.writeHTML(w, status, body)
}

func (h *Handler) writeHTML(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}
