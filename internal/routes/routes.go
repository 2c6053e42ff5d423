package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/curricula-app/curricula/internal/auth"
	"github.com/curricula-app/curricula/internal/handlers"
	"github.com/curricula-app/curricula/internal/middleware"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	tokenManager *auth.TokenManager,
) {
	rateLimitConfig := middleware.DefaultAuthRateLimit()

	// Public routes, throttled per IP at the transport level
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(rateLimitConfig))

		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/verify-email/request", authHandler.RequestEmailVerification)
		r.Post("/auth/verify-email/confirm", authHandler.VerifyEmail)
		r.Post("/auth/password-reset/request", authHandler.RequestPasswordReset)
		r.Post("/auth/password-reset/confirm", authHandler.ResetPassword)
	})

	// Admin-only routes
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokenManager))
		r.Use(auth.RequireAdmin)

		r.Post("/admin/unlock", authHandler.Unlock)
	})
}
