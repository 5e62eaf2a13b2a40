package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/evidence-api/internal/middleware"
	"github.com/noah-isme/evidence-api/internal/models"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	claims := middleware.ClaimsFromContext(c)
	if claims == nil || claims.OwnerID() == "" {
		return nil
	}
	return claims
}
