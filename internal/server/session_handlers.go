package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/halcyon/gridfall_backend/internal/auth"
)

// setupSessionRoutes sets up the read-only session REST surface. Session
// mutation happens over the websocket; these endpoints only serve discovery.
func (s *Server) setupSessionRoutes() {
	group := s.router.Group("/api/sessions")
	group.Use(s.auth.AuthMiddleware())
	{
		group.GET("/mine", s.mySessionsHandler)
		group.GET("/code/:code", s.sessionByCodeHandler)
	}
}

// mySessionsHandler lists the sessions the user participates in
func (s *Server) mySessionsHandler(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	sessions, err := s.db.ListSessionsByUser(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to list sessions: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// sessionByCodeHandler previews a session before joining it over the websocket
func (s *Server) sessionByCodeHandler(c *gin.Context) {
	row, err := s.db.GetSessionByInviteCode(c.Param("code"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	participants, err := s.db.GetParticipants(row.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to load participants: %v", err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":      row,
		"participants": participants,
	})
}
