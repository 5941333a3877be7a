package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/bambubridge/internal/printer"
)

// printerSummary is one entry of GET /api/printers.
type printerSummary struct {
	Name      string        `json:"name"`
	Host      string        `json:"host"`
	Serial    string        `json:"serial"`
	Type      string        `json:"type,omitempty"`
	Connected   bool          `json:"connected"`
	ConnectedAt *time.Time    `json:"connected_at,omitempty"`
	State       printer.State `json:"state"`
	LastError   *string       `json:"last_error"`
}

// printRequest accepts both snake_case and camelCase field names. thmf_url is
// the older name for the auxiliary project file.
type printRequest struct {
	GcodeURL      string `json:"gcode_url"`
	GcodeURLCamel string `json:"gcodeUrl"`
	AuxURL        string `json:"aux_url"`
	AuxURLCamel   string `json:"auxUrl"`
	ThmfURL       string `json:"thmf_url"`
}

func (p printRequest) job() printer.Job {
	return printer.Job{
		GcodeURL: firstNonEmpty(p.GcodeURL, p.GcodeURLCamel),
		AuxURL:   firstNonEmpty(p.AuxURL, p.AuxURLCamel, p.ThmfURL),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// validJobURL accepts absolute http(s) URLs with a host.
func validJobURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// handleListPrinters lists every configured printer without connecting.
func (s *Server) handleListPrinters(w http.ResponseWriter, _ *http.Request) {
	live, failures := s.manager.Snapshot()
	reg := s.manager.Registry()

	out := make([]printerSummary, 0, reg.Len())
	for _, name := range reg.Names() {
		cfg, _ := reg.Get(name)
		item := printerSummary{
			Name:   name,
			Host:   cfg.Host,
			Serial: cfg.Serial,
			Type:   cfg.DeviceType,
			State:  s.manager.State(name),
		}
		if h, ok := live[name]; ok {
			item.Connected = h.Connected()
			at := h.ConnectedAt()
			item.ConnectedAt = &at
		}
		if f, ok := failures[name]; ok {
			reason := f.Reason
			item.LastError = &reason
		}
		out = append(out, item)
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, printer.ActionConnect, nil, nil)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, printer.ActionDisconnect, nil, nil)
}

// handleStatus is unauthenticated like the printer list; it connects lazily.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	res, err := s.dispatcher.Invoke(r.Context(), name, printer.ActionStatus, nil)
	if err != nil {
		writePrinterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePrint(w http.ResponseWriter, r *http.Request) {
	// An unknown name is reported as such whatever the body holds.
	if !s.manager.Registry().Has(chi.URLParam(r, "name")) {
		s.dispatch(w, r, printer.ActionPrint, nil, nil)
		return
	}

	var req printRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	job := req.job()
	if job.GcodeURL == "" {
		writeBadRequest(w, "gcode_url is required")
		return
	}
	if !validJobURL(job.GcodeURL) {
		writeBadRequest(w, "gcode_url must be an absolute http or https URL")
		return
	}
	if job.AuxURL != "" && !validJobURL(job.AuxURL) {
		writeBadRequest(w, "aux_url must be an absolute http or https URL")
		return
	}

	details := map[string]any{"gcode_url": job.GcodeURL}
	if job.AuxURL != "" {
		details["aux_url"] = job.AuxURL
	}
	s.dispatch(w, r, printer.ActionPrint, &job, details)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, printer.ActionPause, nil, nil)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, printer.ActionResume, nil, nil)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, printer.ActionStop, nil, nil)
}

// dispatch runs a privileged action, records it and writes the result.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, action printer.Action, job *printer.Job, details map[string]any) {
	name := chi.URLParam(r, "name")

	res, err := s.dispatcher.Invoke(r.Context(), name, action, job)
	s.auditLog(r, action, name, err, details)
	if err != nil {
		writePrinterError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}
