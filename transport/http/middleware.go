package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/pingmark/ports"
)

// ReceiptMiddleware creates middleware that verifies receipt tokens
func ReceiptMiddleware(tokenizer ports.Tokenizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")

		// Check if the Authorization header is present and in correct format
		if len(auth) < 8 || auth[:7] != "Bearer " {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			return
		}

		receipt, err := tokenizer.TokenToReceipt(auth[7:])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid receipt"})
			return
		}

		c.Set("receipt", receipt)

		c.Next()
	}
}
