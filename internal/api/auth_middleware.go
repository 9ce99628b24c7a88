package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/annel0/memreplay/internal/auth"
	"github.com/gin-gonic/gin"
)

// LoginRequest представляет запрос на вход
type LoginRequest struct {
	Operator string `json:"operator" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse представляет ответ на вход
type LoginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message"`
}

// handleLogin обрабатывает запрос на вход
func (rs *RestServer) handleLogin(c *gin.Context) {
	if rs.auth == nil {
		c.JSON(http.StatusNotFound, LoginResponse{Message: "Аутентификация отключена"})
		return
	}

	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, LoginResponse{Message: "Неверный формат запроса"})
		return
	}

	token, err := rs.auth.Login(req.Operator, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, LoginResponse{Message: "Неверное имя или пароль"})
		return
	case errors.Is(err, auth.ErrLoginDisabled):
		c.JSON(http.StatusNotFound, LoginResponse{Message: "Вход по паролю не настроен"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, LoginResponse{Message: "Внутренняя ошибка сервера"})
		return
	}

	rs.logger.Info("🔑 Оператор %s вошел", req.Operator)
	c.JSON(http.StatusOK, LoginResponse{Success: true, Token: token, Message: "Вход выполнен"})
}

// jwtMiddleware проверяет JWT токен в заголовке Authorization
func (rs *RestServer) jwtMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rs.auth == nil {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, GenericResponse{
				Success: false,
				Message: "Отсутствует токен авторизации",
			})
			return
		}

		// Проверяем формат "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, GenericResponse{
				Success: false,
				Message: "Неверный формат токена",
			})
			return
		}

		claims, err := rs.auth.ValidateToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, GenericResponse{
				Success: false,
				Message: "Недействительный токен",
			})
			return
		}

		c.Set("operator", claims.Operator)
		c.Next()
	}
}
