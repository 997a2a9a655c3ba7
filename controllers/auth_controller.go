package controllers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/cppla/stakeledger/config"
	"github.com/cppla/stakeledger/middleware"
	"github.com/cppla/stakeledger/models"
	"github.com/cppla/stakeledger/utils"
)

// AuthController issues and revokes the JWTs that identify ledger callers.
type AuthController struct {
	db *gorm.DB
}

// NewAuthController creates an AuthController.
func NewAuthController(db *gorm.DB) *AuthController {
	return &AuthController{db: db}
}

var (
	ErrInvalidUsername = errors.New("username may contain letters, digits, '-' and '_' only")
	ErrUsernameTaken   = errors.New("username already taken")
)

// CreateUser stores a new account with a bcrypt-hashed password. Unlike
// Register it accepts admin usernames.
func CreateUser(db *gorm.DB, username, password string) (*models.User, error) {
	if username == "" || len(username) > 64 || !validUsername(username) {
		return nil, ErrInvalidUsername
	}
	hash, err := utils.HashPassword(password)
	if err != nil {
		return nil, err
	}
	var count int64
	if err := db.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	user := models.User{Username: username, PasswordHash: hash}
	if err := db.Create(&user).Error; err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &user, nil
}

// Register creates a local account with a bcrypt-hashed password.
func (a *AuthController) Register(ctx *gin.Context) {
	type request struct {
		Username string `json:"username" binding:"required,min=3,max=64"`
		Password string `json:"password" binding:"required"`
	}

	var req request
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40001, "invalid request payload")
		return
	}

	username := utils.SanitizeText(req.Username, 64)
	if username == "" || username != strings.TrimSpace(req.Username) || !validUsername(username) {
		utils.Error(ctx, http.StatusBadRequest, 40002, ErrInvalidUsername.Error())
		return
	}
	// admin accounts are provisioned out of band, see CreateUser
	if middleware.IsAdmin(username) {
		utils.Error(ctx, http.StatusForbidden, 40311, "username is reserved")
		return
	}

	user, err := CreateUser(a.db.WithContext(ctx.Request.Context()), username, req.Password)
	switch {
	case errors.Is(err, utils.ErrWeakPassword):
		utils.Error(ctx, http.StatusBadRequest, 40004, err.Error())
		return
	case errors.Is(err, ErrUsernameTaken):
		utils.Error(ctx, http.StatusConflict, 40901, err.Error())
		return
	case err != nil:
		utils.Sugar.Errorw("register failed", "username", username, "error", err)
		utils.Error(ctx, http.StatusInternalServerError, 50003, "failed to create user")
		return
	}

	utils.Created(ctx, userResponse(*user))
}

// Login verifies credentials and issues a JWT.
func (a *AuthController) Login(ctx *gin.Context) {
	type request struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}

	var req request
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40003, "invalid request payload")
		return
	}

	var user models.User
	if err := a.db.Where("username = ?", strings.TrimSpace(req.Username)).First(&user).Error; err != nil {
		utils.Error(ctx, http.StatusUnauthorized, 40106, "invalid username or password")
		return
	}
	if !utils.CheckPassword(user.PasswordHash, req.Password) {
		utils.Error(ctx, http.StatusUnauthorized, 40106, "invalid username or password")
		return
	}

	ttl := time.Duration(config.Get().JWTTTLHours) * time.Hour
	token, claims, err := utils.GenerateToken(user.ID, user.Username, ttl)
	if err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50004, "failed to generate token")
		return
	}

	utils.Success(ctx, gin.H{
		"token":      token,
		"expires_at": claims.ExpiresAt.Time,
		"user":       userResponse(user),
	})
}

// Logout revokes the presented token until it expires.
func (a *AuthController) Logout(ctx *gin.Context) {
	token := ctx.GetString(middleware.ContextTokenKey)
	claims, err := utils.ParseToken(token)
	if err != nil {
		utils.Error(ctx, http.StatusUnauthorized, 40105, "invalid token")
		return
	}

	expiresAt := time.Now().Add(time.Duration(config.Get().JWTTTLHours) * time.Hour)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	utils.RevokeToken(token, expiresAt)
	utils.Success(ctx, gin.H{"message": "logged out"})
}

// Me returns the authenticated user.
func (a *AuthController) Me(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40108, "unauthorized")
		return
	}

	var user models.User
	if err := a.db.First(&user, "id = ?", userID).Error; err != nil {
		utils.Error(ctx, http.StatusNotFound, 40401, "user not found")
		return
	}
	utils.Success(ctx, userResponse(user))
}

func validUsername(s string) bool {
	for _, r := range s {
		if r == '-' || r == '_' {
			continue
		}
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			continue
		}
		return false
	}
	return true
}

func userResponse(user models.User) gin.H {
	return gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"is_admin":   middleware.IsAdmin(user.Username),
		"created_at": user.CreatedAt,
	}
}
