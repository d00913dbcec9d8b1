package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"voice-companion/pkg/bookmark"
	"voice-companion/pkg/correlation"
	"voice-companion/pkg/errors"
	"voice-companion/pkg/history"
	"voice-companion/pkg/view"
	"voice-companion/pkg/voice"

	"github.com/sirupsen/logrus"
)

const defaultHistoryLimit = 20

// SessionController is the part of voice.Controller driven over HTTP
type SessionController interface {
	Snapshot() voice.Snapshot
	Start(ctx context.Context) error
	Stop() error
	ToggleMute() (bool, error)
}

// SessionHandler handles HTTP requests for the voice session
type SessionHandler struct {
	logger     *logrus.Logger
	controller SessionController
	history    history.Reader
	bookmarks  *bookmark.Toggler
}

// NewSessionHandler creates a new session handler. reader and bookmarks are
// optional; their routes answer 404 when nil.
func NewSessionHandler(logger *logrus.Logger, controller SessionController, reader history.Reader, bookmarks *bookmark.Toggler) *SessionHandler {
	return &SessionHandler{
		logger:     logger,
		controller: controller,
		history:    reader,
		bookmarks:  bookmarks,
	}
}

// RegisterHandlers registers all session-related handlers with the HTTP server
func (h *SessionHandler) RegisterHandlers(server *Server) {
	server.RegisterHandler("/session", h.handleGetSession)
	server.RegisterHandler("/session/start", h.command(view.ActionStart))
	server.RegisterHandler("/session/stop", h.command(view.ActionStop))
	server.RegisterHandler("/session/mute", h.command(view.ActionMute))
	server.RegisterHandler("/history", h.handleHistory)
	server.RegisterHandler("/bookmark", h.handleBookmark)
}

// View projects the current session state
func (h *SessionHandler) View() view.View {
	s := h.controller.Snapshot()
	return view.Project(s, view.IdentityFrom(s.Assistant))
}

// Dispatch runs the command bound to a view action
func (h *SessionHandler) Dispatch(ctx context.Context, action view.Action) error {
	switch action {
	case view.ActionStart:
		return h.controller.Start(ctx)
	case view.ActionStop:
		return h.controller.Stop()
	case view.ActionMute:
		_, err := h.controller.ToggleMute()
		return err
	default:
		return errors.Wrap(errors.ErrInvalidInput, fmt.Sprintf("unknown action %q", action))
	}
}

// handleGetSession handles GET requests for the session view
func (h *SessionHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.View())
}

// command returns a POST handler running action and answering with the new view
func (h *SessionHandler) command(action view.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := h.Dispatch(r.Context(), action); err != nil {
			correlation.LoggerFromContext(r.Context(), h.logger).WithError(err).WithFields(logrus.Fields{
				"action": string(action),
				"code":   errors.GetErrorCode(err),
			}).Warn("Session command failed")
			errors.WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.View())
	}
}

// handleHistory handles GET requests for recently completed sessions
func (h *SessionHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.history == nil {
		errors.WriteError(w, errors.Wrap(errors.ErrNotFound, "session history is not readable with this backend"))
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errors.WriteError(w, errors.Wrap(errors.ErrInvalidInput, "limit must be a positive integer").
				WithField("limit", raw))
			return
		}
		limit = n
	}

	records := h.history.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
		"total":   h.history.Count(),
	})
}

// handleBookmark handles POST requests toggling the companion bookmark
func (h *SessionHandler) handleBookmark(w http.ResponseWriter, r *http.Request) {
	if h.bookmarks == nil {
		errors.WriteError(w, errors.Wrap(errors.ErrNotFound, "bookmarks are not enabled"))
		return
	}

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if _, err := h.bookmarks.Toggle(r.Context()); err != nil {
			errors.WriteError(w, err)
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bookmarked": h.bookmarks.Bookmarked(),
		"icon":       h.bookmarks.Icon(),
	})
}
