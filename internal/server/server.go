// Package server is the docstored relay: it exposes a DocumentStore to
// remote roomcall clients over a WebSocket request/response protocol.
package server

import (
	"errors"
	"net/http"

	"roomcall/native/internal/domain"
	"roomcall/native/internal/signal"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server serves one store.
type Server struct {
	store  domain.DocumentStore
	rooms  *signal.Channel
	log    *zap.Logger
	router *gin.Engine
}

// New builds the gin router for store.
func New(store domain.DocumentStore, allowedOrigins []string, log *zap.Logger) *Server {
	s := &Server{
		store: store,
		rooms: signal.New(store, log),
		log:   log.Named("server"),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	router.Use(OriginFilter(allowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.GET("/rooms/:roomId", s.getRoom)
		// orphaned rooms left behind by a client that never hung up
		api.DELETE("/rooms/:roomId", s.deleteRoom)
	}

	router.GET("/ws", s.handleWS)

	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
		)
	}
}

func (s *Server) getRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	room, err := s.rooms.FetchRoom(c.Request.Context(), roomID)
	if err != nil {
		if signal.IsKind(err, signal.KindRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		s.log.Error("fetch room", zap.String("room", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       roomID,
		"hasOffer": room.Offer != nil,
		"answered": room.Answer != nil,
		"room":     room,
	})
}

func (s *Server) deleteRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	if err := s.rooms.Teardown(c.Request.Context(), roomID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
