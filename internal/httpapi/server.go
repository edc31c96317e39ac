// Package httpapi exposes the sync, queue, and auth surfaces over HTTP JSON,
// plus the websocket upgrade for fan-out.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rafaelmp/webtext/internal/auth"
	"github.com/rafaelmp/webtext/internal/coordinator"
	"github.com/rafaelmp/webtext/internal/fanout"
	"github.com/rafaelmp/webtext/internal/queue"
	"github.com/rafaelmp/webtext/internal/store"
	"github.com/rafaelmp/webtext/internal/wire"
)

// maxUploadBytes bounds a single attachment upload.
const maxUploadBytes = 32 << 20

// Server wires HTTP routes to the coordinator, queue, and fan-out hub.
type Server struct {
	db     *store.DB
	coord  *coordinator.Coordinator
	queue  *queue.Service
	hub    *fanout.Hub
	auth   *auth.Manager
	files  *coordinator.FileStore
	logger *zap.Logger
}

// New creates the API server.
func New(db *store.DB, coord *coordinator.Coordinator, q *queue.Service, hub *fanout.Hub, am *auth.Manager, files *coordinator.FileStore, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{db: db, coord: coord, queue: q, hub: hub, auth: am, files: files, logger: logger}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)

	mux.HandleFunc("POST /api/sync/initial", s.requireAuth(s.handleInitialSync))
	mux.HandleFunc("POST /api/sync/incremental", s.requireAuth(s.handleIncrementalSync))
	mux.HandleFunc("GET /api/sync/queue", s.requireAuth(s.handleQueuePickup))
	mux.HandleFunc("POST /api/sync/confirm", s.requireAuth(s.handleConfirm))
	mux.HandleFunc("GET /api/sync/status", s.requireAuth(s.handleStatus))

	mux.HandleFunc("GET /api/conversations", s.requireAuth(s.handleListConversations))
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.requireAuth(s.handleListMessages))

	mux.HandleFunc("POST /api/messages/queue", s.requireAuth(s.handleEnqueue))
	mux.HandleFunc("POST /api/attachments/upload", s.requireAuth(s.handleUpload))

	mux.HandleFunc("GET /ws", s.hub.HandleWS)
	mux.HandleFunc("GET /health", s.handleHealth)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req wire.LoginRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	acct, err := s.db.CreateAccount(req.Username, hash, req.DeviceID)
	if err != nil {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}
	s.logger.Info("account registered", zap.String("username", req.Username))
	s.issueTokens(w, acct, req.DeviceID)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req wire.LoginRequest
	if !readJSON(w, r, &req) {
		return
	}
	acct, err := s.db.GetAccountByUsername(req.Username)
	if err != nil || !auth.VerifyPassword(req.Password, acct.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	// Device callers must match the bound device; the first device login
	// binds it. Browser-origin callers send no deviceId.
	if req.DeviceID != "" {
		switch acct.DeviceID {
		case "":
			if err := s.db.SetAccountDevice(acct.ID, req.DeviceID); err != nil {
				writeError(w, http.StatusInternalServerError, "login failed")
				return
			}
		case req.DeviceID:
		default:
			writeError(w, http.StatusUnauthorized, "device mismatch")
			return
		}
	}
	s.issueTokens(w, acct, req.DeviceID)
}

func (s *Server) issueTokens(w http.ResponseWriter, acct *store.Account, deviceID string) {
	access, refresh, err := s.auth.IssuePair(acct.ID, deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeJSON(w, wire.LoginResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		AccountID:    wire.FormatID(acct.ID),
		Username:     acct.Username,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req wire.RefreshRequest
	if !readJSON(w, r, &req) {
		return
	}
	claims, err := s.auth.Verify(req.RefreshToken, auth.TypeRefresh)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	access, _, err := s.auth.IssuePair(claims.AccountID, claims.DeviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeJSON(w, wire.RefreshResponse{AccessToken: access})
}

func (s *Server) handleInitialSync(w http.ResponseWriter, r *http.Request) {
	var req wire.InitialSyncRequest
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := s.coord.InitialSync(r.Context(), accountID(r), &req)
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleIncrementalSync(w http.ResponseWriter, r *http.Request) {
	var req wire.IncrementalSyncRequest
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := s.coord.IncrementalSync(r.Context(), accountID(r), &req)
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.coord.Status(r.Context(), accountID(r))
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	writeJSON(w, resp)
}

// handleListConversations serves the mirror's thread list, newest activity
// first, so a web client can rebuild its state without a device round trip.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	acct := accountID(r)
	convs, err := s.db.ListConversations(acct, intQuery(r, "limit"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}

	resp := wire.ConversationListResponse{Conversations: []wire.Conversation{}}
	for _, c := range convs {
		wc := wire.Conversation{
			ID:       wire.FormatID(c.ConversationID),
			Name:     c.DisplayName,
			Archived: c.Archived,
			Blocked:  c.Blocked,
			Pinned:   c.Pinned,
		}
		if c.LastMessageDate > 0 {
			wc.LastMessageDate = wire.FormatID(c.LastMessageDate)
		}
		recips, err := s.db.ListRecipients(acct, c.ConversationID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "listing failed")
			return
		}
		for _, rp := range recips {
			wc.Recipients = append(wc.Recipients, wire.Recipient{Address: rp.Address, Name: rp.ContactName})
		}
		resp.Conversations = append(resp.Conversations, wc)
	}
	writeJSON(w, resp)
}

// handleListMessages pages one conversation's history, newest first. The
// optional before query parameter carries the oldest date of the prior page.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	acct := accountID(r)
	convID, err := wire.ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "conversation id must be a numeric string")
		return
	}

	var before int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		before, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be a numeric string")
			return
		}
	}

	msgs, err := s.db.ListMessages(acct, convID, before, intQuery(r, "limit"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}

	resp := wire.MessageListResponse{Messages: []wire.Message{}}
	for _, m := range msgs {
		wm := wire.Message{
			ID:       wire.FormatID(m.MessageID),
			ThreadID: wire.FormatID(m.ConversationID),
			Sender:   m.Sender,
			Body:     m.Body,
			Type:     m.Kind,
			Date:     wire.FormatID(m.Date),
			Read:     m.Read,
			Seen:     m.Seen,
			IsMe:     m.IsMe,
		}
		if m.DateSent != 0 {
			wm.DateSent = wire.FormatID(m.DateSent)
		}
		atts, err := s.db.ListAttachments(acct, m.MessageID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "listing failed")
			return
		}
		for _, a := range atts {
			wm.Attachments = append(wm.Attachments, wire.Attachment{MimeType: a.MimeType})
		}
		resp.Messages = append(resp.Messages, wm)
	}
	writeJSON(w, resp)
}

func intQuery(r *http.Request, key string) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) handleQueuePickup(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.Pickup(r.Context(), accountID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "pickup failed")
		return
	}
	resp := wire.QueueResponse{QueuedMessages: []wire.QueuedMessage{}}
	for _, e := range entries {
		qm := wire.QueuedMessage{
			ID:        wire.FormatID(e.ID),
			Addresses: e.Addresses,
			Body:      e.Body,
		}
		if e.ConversationID != 0 {
			qm.ConversationID = wire.FormatID(e.ConversationID)
		}
		resp.QueuedMessages = append(resp.QueuedMessages, qm)
	}
	writeJSON(w, resp)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req wire.ConfirmRequest
	if !readJSON(w, r, &req) {
		return
	}
	queueID, err1 := strconv.ParseInt(req.QueueID, 10, 64)
	msgID, err2 := strconv.ParseInt(req.AndroidMessageID, 10, 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "queueId and androidMessageId must be numeric strings")
		return
	}
	if err := s.queue.Confirm(r.Context(), accountID(r), queueID, msgID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, wire.ConfirmResponse{Success: false})
			return
		}
		writeError(w, http.StatusInternalServerError, "confirm failed")
		return
	}
	writeJSON(w, wire.ConfirmResponse{Success: true})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req wire.EnqueueRequest
	if !readJSON(w, r, &req) {
		return
	}
	var convID int64
	if req.ConversationID != "" {
		id, err := wire.ParseID(req.ConversationID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "conversationId must be a numeric string")
			return
		}
		convID = id
	}
	id, err := s.queue.Enqueue(r.Context(), accountID(r), convID, req.Addresses, req.Body)
	if err != nil {
		if errors.Is(err, queue.ErrEmptyRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, wire.EnqueueResponse{QueueID: wire.FormatID(id)})
}

// handleUpload stores an out-of-band attachment body and returns the
// uploadId a later sync uses to bind it to its message.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	mime := r.Header.Get("Content-Type")
	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	path, size, err := s.files.WriteStream(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "upload failed")
		return
	}
	uploadID := newUploadID()
	if err := s.db.CreateUpload(accountID(r), uploadID, mime, path, size); err != nil {
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	writeJSON(w, wire.UploadResponse{UploadID: uploadID, Size: wire.FormatID(size)})
}

func newUploadID() string {
	return uuid.NewString()
}

// writeSyncError maps coordinator errors onto the HTTP taxonomy: stale token
// is an authentication failure, malformed rows a bad request, the rest
// persistence failures.
func (s *Server) writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrTokenMismatch):
		writeError(w, http.StatusUnauthorized, "sync token mismatch")
	case errors.Is(err, wire.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown account")
	default:
		s.logger.Error("sync request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
