// Package httpapi exposes the REST and WebSocket surface. Handlers
// parse, delegate to a service, and translate domain errors to status
// codes; they hold no business logic of their own.
package httpapi

import (
	"net/http"

	"github.com/adred-codev/vanish/internal/cache"
	"github.com/adred-codev/vanish/internal/conversation"
	"github.com/adred-codev/vanish/internal/filestore"
	"github.com/adred-codev/vanish/internal/hub"
	"github.com/adred-codev/vanish/internal/message"
	"github.com/adred-codev/vanish/internal/push"
	"github.com/adred-codev/vanish/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Server struct {
	conversations *conversation.Service
	messages      *message.Service
	files         *filestore.Service
	registry      *push.Registry
	hub           *hub.Hub
	store         store.Store
	cache         cache.Cache
	logger        zerolog.Logger
	mux           *http.ServeMux
}

func NewServer(
	conversations *conversation.Service,
	messages *message.Service,
	files *filestore.Service,
	registry *push.Registry,
	h *hub.Hub,
	st store.Store,
	c cache.Cache,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		conversations: conversations,
		messages:      messages,
		files:         files,
		registry:      registry,
		hub:           h,
		store:         st,
		cache:         c,
		logger:        logger.With().Str("component", "http").Logger(),
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.handle("POST /api/conversations", s.createConversation)
	s.handle("GET /api/conversations", s.listConversations)
	s.handle("GET /api/conversations/{id}", s.getConversation)
	s.handle("DELETE /api/conversations/{id}", s.deleteConversation)
	s.handle("POST /api/conversations/{id}/share", s.shareConversation)
	s.handle("GET /api/conversations/{id}/accessible", s.conversationAccessible)
	s.handle("POST /api/conversations/{id}/join", s.joinConversation)
	s.handle("GET /api/conversations/{id}/participants", s.listParticipants)
	s.handle("GET /api/conversations/{id}/participants/{deviceId}/status", s.participantStatus)
	s.handle("POST /api/conversations/{id}/leave", s.leaveConversation)

	s.handle("POST /api/conversations/{id}/messages", s.createMessage)
	s.handle("POST /api/conversations/{id}/messages/buffered", s.sendBuffered)
	s.handle("GET /api/conversations/{id}/messages", s.listMessages)
	s.handle("GET /api/conversations/{id}/messages/{messageId}", s.consumeMessage)

	s.handle("POST /api/conversations/{id}/files", s.uploadFile)
	s.handle("GET /api/files/{fileId}", s.downloadFile)

	s.handle("POST /api/devices/token", s.registerToken)
	s.handle("POST /api/devices/logout", s.logoutDevice)

	s.handle("GET /health", s.health)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /ws", s.hub.HandleWS)
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, observe(pattern, s.logger, h))
}
