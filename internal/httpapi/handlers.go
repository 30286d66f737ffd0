package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/adred-codev/vanish/internal/domain"
	"github.com/adred-codev/vanish/internal/filestore"
	"github.com/adred-codev/vanish/internal/message"
	"github.com/google/uuid"
)

// pathUUID parses a UUID path segment.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, domain.E(domain.KindValidation, "invalid "+name)
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.E(domain.KindValidation, "malformed request body")
	}
	return nil
}

// --- conversations ---

type createConversationRequest struct {
	TTLHours int `json:"ttlHours"`
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	device, err := requireDevice(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var req createConversationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	conv, err := s.conversations.Create(r.Context(), device, req.TTLHours)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	device, err := requireDevice(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	convs, err := s.conversations.ListForDevice(r.Context(), device)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	conv, err := s.conversations.Get(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	device, err := requireDevice(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.conversations.Delete(r.Context(), id, device); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type shareResponse struct {
	ShareURL string `json:"shareUrl"`
}

func (s *Server) shareConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if _, err := s.conversations.Get(r.Context(), id); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, shareResponse{ShareURL: s.conversations.ShareURL(id)})
}

type accessibleResponse struct {
	Accessible bool `json:"accessible"`
}

func (s *Server) conversationAccessible(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	ok, err := s.conversations.IsAccessible(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, accessibleResponse{Accessible: ok})
}

func (s *Server) joinConversation(w http.ResponseWriter, r *http.Request) {
	device, err := requireDevice(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	p, err := s.conversations.Join(r.Context(), id, device)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) listParticipants(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	ps, err := s.conversations.Participants(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

type participantStatusResponse struct {
	Active bool `json:"active"`
}

func (s *Server) participantStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	active, err := s.conversations.IsActiveParticipant(r.Context(), id, r.PathValue("deviceId"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, participantStatusResponse{Active: active})
}

func (s *Server) leaveConversation(w http.ResponseWriter, r *http.Request) {
	device, err := requireDevice(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.conversations.Leave(r.Context(), id, device); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- messages ---

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	device, err := requireDevice(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var p message.Payload
	if err := decodeBody(r, &p); err != nil {
		writeError(w, s.logger, err)
		return
	}
	msg, err := s.messages.Create(r.Context(), id, device, p)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) sendBuffered(w http.ResponseWriter, r *http.Request) {
	device, err := requireDevice(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var p message.Payload
	if err := decodeBody(r, &p); err != nil {
		writeError(w, s.logger, err)
		return
	}
	receipt, err := s.messages.SendBuffered(r.Context(), id, device, p)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	var msgs []*domain.Message
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, s.logger, domain.E(domain.KindValidation, "since must be RFC 3339"))
			return
		}
		msgs, err = s.messages.ListSince(r.Context(), id, since)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
	} else {
		msgs, err = s.messages.List(r.Context(), id)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) consumeMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	messageID, err := pathUUID(r, "messageId")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	msg, err := s.messages.Consume(r.Context(), id, messageID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// --- files ---

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	device, err := requireDevice(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var req filestore.UploadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	msg, err := s.files.Upload(r.Context(), id, device, req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	fileID, err := pathUUID(r, "fileId")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	data, msg, err := s.files.Download(r.Context(), fileID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	contentType := "application/octet-stream"
	if msg.File != nil && msg.File.MimeType != "" {
		contentType = msg.File.MimeType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if msg.File != nil && msg.File.Name != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+msg.File.Name+`"`)
	}
	_, _ = w.Write(data)
}

// --- devices ---

type registerTokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) registerToken(w http.ResponseWriter, r *http.Request) {
	device, err := requireDevice(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var req registerTokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	tok, err := s.registry.Register(r.Context(), device, req.Token)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) logoutDevice(w http.ResponseWriter, r *http.Request) {
	device, err := requireDevice(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.registry.Logout(r.Context(), device); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- health ---

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Cache  string `json:"cache"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok", Cache: "ok"}
	status := http.StatusOK

	if err := s.store.Ping(r.Context()); err != nil {
		resp.Status, resp.Store = "degraded", "unreachable"
		status = http.StatusServiceUnavailable
	}
	if err := s.cache.Ping(r.Context()); err != nil {
		resp.Status, resp.Cache = "degraded", "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
