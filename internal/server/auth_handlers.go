package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/halcyon/gridfall_backend/internal/auth"
	"github.com/halcyon/gridfall_backend/internal/logging"
	"github.com/halcyon/gridfall_backend/internal/store"
)

// setupAuthRoutes sets up the authentication routes
func (s *Server) setupAuthRoutes() {
	authGroup := s.router.Group("/api/auth")
	{
		authGroup.POST("/register", s.registerHandler)
		authGroup.POST("/login", s.loginHandler)
		authGroup.POST("/refresh", s.refreshTokenHandler)

		authGroup.Use(s.auth.AuthMiddleware())
		authGroup.GET("/me", s.meHandler)
	}
}

// registerHandler creates a new account
func (s *Server) registerHandler(c *gin.Context) {
	var req struct {
		Username    string `json:"username" binding:"required,min=3,max=32"`
		DisplayName string `json:"display_name" binding:"required,min=1,max=64"`
		Password    string `json:"password" binding:"required,min=8"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	if !isStrongPassword(req.Password) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Password is too weak",
			"details": "Password must contain at least one uppercase letter, one lowercase letter, and one number",
		})
		return
	}

	if existing, _ := s.db.GetUserByUsername(req.Username); existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Username is already taken"})
		return
	}

	user := &store.User{
		ID:          uuid.New().String(),
		Username:    req.Username,
		DisplayName: req.DisplayName,
		CreatedAt:   time.Now(),
	}
	if err := s.db.CreateUser(user, req.Password); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to create user: %v", err)})
		return
	}

	pair, err := s.issueTokens(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to generate token: %v", err)})
		return
	}

	logging.Info("user registered", map[string]interface{}{"user_id": user.ID, "username": user.Username})
	c.JSON(http.StatusCreated, gin.H{
		"user":          userResponse(user),
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.ExpiresAt,
	})
}

// loginHandler authenticates with username and password
func (s *Server) loginHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	user, err := s.db.VerifyPassword(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}

	pair, err := s.issueTokens(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to generate token: %v", err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":          userResponse(user),
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.ExpiresAt,
	})
}

// refreshTokenHandler exchanges a refresh token for a new token pair
func (s *Server) refreshTokenHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	refreshToken, err := s.db.GetRefreshToken(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid refresh token"})
		return
	}

	user, err := s.db.GetUserByID(refreshToken.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get user"})
		return
	}

	pair, err := s.issueTokens(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to generate token: %v", err)})
		return
	}

	// Rotate: the old refresh token is spent.
	if err := s.db.DeleteRefreshToken(req.RefreshToken); err != nil {
		logging.Warn("failed to delete old refresh token", map[string]interface{}{"error": err})
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.ExpiresAt,
	})
}

// meHandler returns the authenticated user's profile
func (s *Server) meHandler(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	user, err := s.db.GetUserByID(userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": userResponse(user)})
}

// issueTokens generates a token pair and stores the refresh token
func (s *Server) issueTokens(user *store.User) (*auth.TokenPair, error) {
	pair, err := s.auth.GenerateTokenPair(auth.User{
		ID:          user.ID,
		DisplayName: user.DisplayName,
		CreatedAt:   user.CreatedAt,
	})
	if err != nil {
		return nil, err
	}

	refreshExpiry := time.Now().Add(s.auth.GetConfig().RefreshTokenDuration)
	if err := s.db.CreateRefreshToken(user.ID, pair.RefreshToken, refreshExpiry); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %v", err)
	}
	return pair, nil
}

func userResponse(user *store.User) gin.H {
	return gin.H{
		"id":           user.ID,
		"username":     user.Username,
		"display_name": user.DisplayName,
		"created_at":   user.CreatedAt,
	}
}
