package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/halcyon/gridfall_backend/internal/auth"
	"github.com/halcyon/gridfall_backend/internal/game"
	"github.com/halcyon/gridfall_backend/internal/store"
)

// setupCharacterRoutes sets up the character CRUD routes
func (s *Server) setupCharacterRoutes() {
	group := s.router.Group("/api/characters")
	group.Use(s.auth.AuthMiddleware())
	{
		group.POST("", s.createCharacterHandler)
		group.GET("", s.listCharactersHandler)
		group.GET("/:id", s.getCharacterHandler)
		group.PUT("/:id", s.updateCharacterHandler)
		group.DELETE("/:id", s.deleteCharacterHandler)
	}

	// The class catalog is public; clients need it before registering a
	// character.
	s.router.GET("/api/catalog/classes", s.listClassesHandler)
	s.router.GET("/api/catalog/weapons", s.listWeaponsHandler)
	s.router.GET("/api/catalog/monsters", s.listMonstersHandler)
}

func (s *Server) createCharacterHandler(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var req struct {
		Class      string `json:"class" binding:"required"`
		Appearance string `json:"appearance"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	class, ok := game.ClassCatalog[req.Class]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unknown class %q", req.Class)})
		return
	}

	baseStats, err := json.Marshal(class.Stats)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encode stats"})
		return
	}

	ch := &store.Character{
		ID:         uuid.New().String(),
		OwnerID:    userID,
		Class:      class.Tag,
		Appearance: req.Appearance,
		BaseStats:  baseStats,
		XP:         0,
		Level:      1,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := s.db.CreateCharacter(ch); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to create character: %v", err)})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"character": ch})
}

func (s *Server) listCharactersHandler(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	chars, err := s.db.GetCharactersByOwner(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to list characters: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"characters": chars})
}

func (s *Server) getCharacterHandler(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	ch, err := s.db.GetCharacter(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Character not found"})
		return
	}
	if ch.OwnerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not your character"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"character": ch})
}

func (s *Server) updateCharacterHandler(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var req struct {
		Appearance string `json:"appearance"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	ch, err := s.db.GetCharacter(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Character not found"})
		return
	}
	if ch.OwnerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not your character"})
		return
	}

	ch.Appearance = req.Appearance
	ch.UpdatedAt = time.Now()
	if err := s.db.UpdateCharacter(ch); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to update character: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"character": ch})
}

func (s *Server) deleteCharacterHandler(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	if err := s.db.DeleteCharacter(c.Param("id"), userID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Character not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Character deleted"})
}

func (s *Server) listClassesHandler(c *gin.Context) {
	classes := make([]game.CharacterClass, 0, len(game.ClassCatalog))
	for _, class := range game.ClassCatalog {
		classes = append(classes, class)
	}
	c.JSON(http.StatusOK, gin.H{"classes": classes})
}

func (s *Server) listWeaponsHandler(c *gin.Context) {
	weapons := make([]game.Weapon, 0, len(game.WeaponCatalog))
	for _, w := range game.WeaponCatalog {
		weapons = append(weapons, w)
	}
	c.JSON(http.StatusOK, gin.H{"weapons": weapons})
}

func (s *Server) listMonstersHandler(c *gin.Context) {
	monsters := make([]game.MonsterDef, 0, len(game.MonsterCatalog))
	for _, m := range game.MonsterCatalog {
		monsters = append(monsters, m)
	}
	c.JSON(http.StatusOK, gin.H{"monsters": monsters})
}
