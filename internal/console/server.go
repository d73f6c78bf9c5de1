// Package console exposes the chat front-end over HTTP: session lifecycle,
// patient lock flow, query routing with streamed answers, transcript
// retrieval, and PDF export.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/clinloop/ehr-query-agent/internal/answer"
	"github.com/clinloop/ehr-query-agent/internal/engine"
	"github.com/clinloop/ehr-query-agent/internal/roster"
	"github.com/clinloop/ehr-query-agent/internal/router"
	"github.com/clinloop/ehr-query-agent/internal/session"
)

type Server struct {
	store     *session.Store
	engine    *engine.Engine
	generator answer.Generator
	resolver  *roster.Resolver
	roster    roster.Roster
	exporter  PDFRenderer
}

// PDFRenderer renders a session transcript to PDF bytes.
type PDFRenderer interface {
	TranscriptPDF(ctx context.Context, title string, turns []session.Turn) ([]byte, error)
}

func NewServer(store *session.Store, eng *engine.Engine, gen answer.Generator, resolver *roster.Resolver, ros roster.Roster, exporter PDFRenderer) http.Handler {
	s := &Server{
		store:     store,
		engine:    eng,
		generator: gen,
		resolver:  resolver,
		roster:    ros,
		exporter:  exporter,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{token}", s.handleGetSession)
	mux.HandleFunc("POST /v1/sessions/{token}/mode", s.handleSwitchMode)
	mux.HandleFunc("POST /v1/sessions/{token}/resolve", s.handleResolve)
	mux.HandleFunc("POST /v1/sessions/{token}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /v1/sessions/{token}/unlock", s.handleUnlock)
	mux.HandleFunc("POST /v1/sessions/{token}/query", s.handleQuery)
	mux.HandleFunc("GET /v1/sessions/{token}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /v1/sessions/{token}/export.pdf", s.handleExportPDF)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		blob = []byte("{}")
	}
	return json.Unmarshal(blob, dst)
}

func patientPayload(p roster.PatientRecord) map[string]any {
	return map[string]any{
		"patient_id": p.PatientID,
		"name":       p.FullName(),
		"dob":        p.DateOfBirth,
	}
}

func patientsPayload(ps []roster.PatientRecord) []map[string]any {
	out := make([]map[string]any, 0, len(ps))
	for _, p := range ps {
		out = append(out, patientPayload(p))
	}
	return out
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	token := r.PathValue("token")
	sess, err := s.store.Get(token)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return session.Session{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return session.Session{}, false
	}
	return sess, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "patients": len(s.roster)})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Mode != "" && req.Mode != session.ModeGeneral && req.Mode != session.ModePatient {
		writeError(w, http.StatusBadRequest, "mode must be general or patient")
		return
	}
	sess, err := s.store.Create(req.Mode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"token": sess.Token, "mode": sess.Mode})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	payload := map[string]any{
		"token":  sess.Token,
		"mode":   sess.Mode,
		"locked": patientsPayload(sess.LockedPatients),
	}
	if sess.PendingPatient != nil {
		payload["pending"] = patientPayload(*sess.PendingPatient)
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleSwitchMode changes the query mode. Switching clears the lock, any
// pending confirmation, and the transcript, matching a fresh conversation
// in the new mode.
func (s *Server) handleSwitchMode(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Mode != session.ModeGeneral && req.Mode != session.ModePatient {
		writeError(w, http.StatusBadRequest, "mode must be general or patient")
		return
	}
	if req.Mode == sess.Mode {
		writeJSON(w, http.StatusOK, map[string]any{"mode": sess.Mode})
		return
	}
	sess.Mode = req.Mode
	sess.LockedPatients = nil
	sess.PendingPatient = nil
	if err := s.store.Update(sess); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.ClearTurns(sess.Token); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": sess.Mode})
}

// handleResolve looks a free-text reference up in the roster. A unique hit
// becomes the pending patient awaiting date-of-birth confirmation; it never
// locks directly.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	var req struct {
		Reference string `json:"reference"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resolved, candidates, reason := s.resolver.Resolve(s.roster, req.Reference)
	switch {
	case resolved != nil:
		sess.PendingPatient = resolved
		if err := s.store.Update(sess); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "confirm_dob",
			"reason":  string(reason),
			"patient": map[string]any{"patient_id": resolved.PatientID, "name": resolved.FullName()},
		})
	case len(candidates) > 0:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ambiguous",
			"candidates": patientsPayload(candidates),
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "not_found"})
	}
}

// handleConfirm checks the supplied date of birth against the pending
// patient and promotes it to the session lock on a match.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if sess.PendingPatient == nil {
		writeError(w, http.StatusConflict, "no patient pending confirmation")
		return
	}
	var req struct {
		DateOfBirth string `json:"dob"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.DateOfBirth) != sess.PendingPatient.DateOfBirth {
		writeJSON(w, http.StatusOK, map[string]any{"status": "dob_mismatch"})
		return
	}
	locked := *sess.PendingPatient
	sess.LockedPatients = []roster.PatientRecord{locked}
	sess.PendingPatient = nil
	if err := s.store.Update(sess); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "locked",
		"patient": patientPayload(locked),
	})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	sess.LockedPatients = nil
	sess.PendingPatient = nil
	if err := s.store.Update(sess); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "unlocked"})
}

// clarificationText turns a terminal routing decision into the message the
// caller shows the user.
func clarificationText(d router.RoutingDecision) string {
	switch d.Intent {
	case router.IntentPatientSpecificNoContext:
		return "Please lock a patient first or switch to General mode."
	case router.IntentPatientSpecificNotFound:
		if len(d.UnresolvedReferences) > 0 {
			return fmt.Sprintf("I couldn't find a patient matching %q.", strings.Join(d.UnresolvedReferences, ", "))
		}
		return "I couldn't find a matching patient."
	default:
		if len(d.Candidates) > 0 {
			return "Multiple patients match that reference. Please pick one."
		}
		return "I need more information to route that question."
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	var req struct {
		Query string `json:"query"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	turns, err := s.store.Turns(sess.Token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	history := make([]answer.Message, 0, len(turns))
	for _, t := range turns {
		history = append(history, answer.Message{Role: t.Role, Content: t.Content})
	}

	var locked []roster.PatientRecord
	if sess.Mode == session.ModePatient {
		locked = sess.LockedPatients
	}
	res := s.engine.Route(r.Context(), engine.Request{
		Query:          query,
		Roster:         s.roster,
		History:        history,
		LockedPatients: locked,
	})

	if err := s.store.AppendTurn(sess.Token, session.Turn{Role: "user", Content: query}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if res.NeedsClarification() {
		text := clarificationText(res.Decision)
		if err := s.store.AppendTurn(sess.Token, session.Turn{Role: "assistant", Content: text}); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		payload := map[string]any{
			"type":       "clarification",
			"intent":     string(res.Decision.Intent),
			"confidence": res.Decision.Confidence,
			"message":    text,
		}
		if len(res.Decision.Candidates) > 0 {
			payload["candidates"] = patientsPayload(res.Decision.Candidates)
		}
		if len(res.Decision.UnresolvedReferences) > 0 {
			payload["unresolved_references"] = res.Decision.UnresolvedReferences
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Route-Intent", string(res.Decision.Intent))
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	text, err := s.generator.Stream(r.Context(), res.Messages, func(fragment string) {
		_, _ = io.WriteString(w, fragment)
		if flusher != nil {
			flusher.Flush()
		}
	})
	if err != nil {
		log.Printf("answer stream for session %s failed: %v", sess.Token, err)
		if text == "" {
			return
		}
	}
	if err := s.store.AppendTurn(sess.Token, session.Turn{
		Role:    "assistant",
		Content: text,
		Sources: res.Sources,
	}); err != nil {
		log.Printf("persist assistant turn for session %s failed: %v", sess.Token, err)
	}
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	turns, err := s.store.Turns(sess.Token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if turns == nil {
		turns = []session.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": sess.Token, "turns": turns})
}

func (s *Server) handleExportPDF(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if s.exporter == nil {
		writeError(w, http.StatusNotImplemented, "PDF export not configured")
		return
	}
	turns, err := s.store.Turns(sess.Token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	title := "Conversation transcript"
	if len(sess.LockedPatients) == 1 {
		title = "Conversation transcript: " + sess.LockedPatients[0].FullName()
	}
	pdf, err := s.exporter.TranscriptPDF(r.Context(), title, turns)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="transcript.pdf"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}
