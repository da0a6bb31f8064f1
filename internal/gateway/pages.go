package gateway

import (
	"bytes"
	"encoding/base64"
	"html/template"
	"net/http"
	"strconv"

	"github.com/book-expert/aitalk-service/internal/core"
	"github.com/book-expert/aitalk-service/internal/history"
)

const defaultHistoryLimit = 50

var indexTemplate = template.Must(template.New("index").Funcs(template.FuncMap{
	"icon": func(data []byte) template.URL {
		return template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(data))
	},
}).Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>AITalk server</title></head>
<body>
<h1>AITalk server</h1>
<p>{{len .}} voices available</p>
<ul>
{{- range .}}
<li>{{if .Icon}}<img src="{{icon .Icon}}" width="48" alt="">{{end}} {{.Name}} <code>{{.ID}}</code> ({{.Dialect}})</li>
{{- end}}
</ul>
</body>
</html>
`))

func (s *Server) voices() []core.Voice {
	if s.opts.Voices == nil {
		return nil
	}

	return s.opts.Voices.Voices()
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	var buf bytes.Buffer

	err := indexTemplate.Execute(&buf, s.voices())
	if err != nil {
		s.log.Error("Failed to render index: %v", err)
		s.writeText(w, http.StatusInternalServerError, "failed to render page")

		return
	}

	w.Header().Set("Content-Type", contentTypeHTML)

	_, err = buf.WriteTo(w)
	if err != nil {
		s.log.Warn("Failed to write index: %v", err)
	}
}

func (s *Server) handleVoices(w http.ResponseWriter, _ *http.Request) {
	voices := s.voices()
	if voices == nil {
		voices = []core.Voice{}
	}

	s.writeJSON(w, http.StatusOK, voices)
}

func (s *Server) handleIcon(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if s.opts.Voices == nil {
		s.writeText(w, http.StatusNotFound, "no voices")

		return
	}

	voice, ok := s.opts.Voices.Voice(id)
	if !ok || len(voice.Icon) == 0 {
		s.writeText(w, http.StatusNotFound, "no icon for voice "+strconv.Quote(id))

		return
	}

	w.Header().Set("Content-Type", contentTypePNG)

	_, err := w.Write(voice.Icon)
	if err != nil {
		s.log.Warn("Failed to write icon for %s: %v", id, err)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeText(w, http.StatusBadRequest, "limit must be a positive integer")

			return
		}

		limit = parsed
	}

	entries := []history.Entry{}

	if s.opts.History != nil {
		recent, err := s.opts.History.Recent(r.Context(), limit)
		if err != nil {
			s.log.Error("Failed to read history: %v", err)
			s.writeText(w, http.StatusInternalServerError, "failed to read history")

			return
		}

		if recent != nil {
			entries = recent
		}
	}

	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Status == nil {
		s.writeText(w, http.StatusOK, "ready")

		return
	}

	status := http.StatusOK
	if !s.opts.Status.Ready() {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, s.opts.Status.Status())
}
