package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/heartline/internal/adapters/signal"
	"github.com/dkeye/heartline/internal/app/notify"
	"github.com/dkeye/heartline/internal/app/orch"
	"github.com/dkeye/heartline/internal/config"
	"github.com/dkeye/heartline/internal/core"
	"github.com/dkeye/heartline/internal/domain"
)

const (
	sessionName   = "HeartlineSession"
	internalKeyHd = "X-Internal-Key"
	userKey       = "user"
)

// Issuer mints credentials. Implemented by auth.TokenVerifier.
type Issuer interface {
	Issue(uid domain.UserID) (string, error)
}

type Deps struct {
	Orch     *orch.Orchestrator
	Verifier core.Verifier
	Issuer   Issuer
	Signal   *signal.SignalWSController
}

// CredentialMiddleware picks the bearer credential from the Authorization
// header, the token query parameter or the cookie session, in that order.
func CredentialMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if cred == "" {
			cred = c.Query("token")
		}
		if cred == "" {
			if v, ok := sessions.Default(c).Get(signal.CredentialKey).(string); ok {
				cred = v
			}
		}
		if cred != "" {
			c.Set(signal.CredentialKey, cred)
		}
		c.Next()
	}
}

// RequireUser rejects requests without a valid credential.
func RequireUser(v core.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, err := v.Verify(c.GetString(signal.CredentialKey))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(userKey, uid)
		c.Next()
	}
}

// RequireInternalKey guards routes used by the product's other backends.
func RequireInternalKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(internalKeyHd)
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func currentUser(c *gin.Context) domain.UserID {
	uid, _ := c.Get(userKey)
	u, _ := uid.(domain.UserID)
	return u
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.TokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Mode == "release",
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(CredentialMiddleware())

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")

	r.GET("/healthz", func(c *gin.Context) {
		st := deps.Orch.Registry.Stats()
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": st.Sessions, "users": st.Users})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	api.GET("/ws", func(c *gin.Context) {
		deps.Signal.HandleSignal(ctx, c)
	})

	api.POST("/session", func(c *gin.Context) {
		var req struct {
			Token string `json:"token"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing token"})
			return
		}
		uid, err := deps.Verifier.Verify(req.Token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		s := sessions.Default(c)
		s.Set(signal.CredentialKey, req.Token)
		if err := s.Save(); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": uid})
	})

	api.DELETE("/session", func(c *gin.Context) {
		s := sessions.Default(c)
		s.Clear()
		s.Options(sessions.Options{Path: "/", MaxAge: -1})
		_ = s.Save()
		c.Status(http.StatusNoContent)
	})

	user := api.Group("", RequireUser(deps.Verifier))

	user.GET("/notifications", func(c *gin.Context) {
		list, err := deps.Orch.Notify.Unread(c.Request.Context(), currentUser(c))
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("list unread")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
			return
		}
		if list == nil {
			list = []domain.Notification{}
		}
		c.JSON(http.StatusOK, gin.H{"notifications": list})
	})

	user.POST("/notifications/:id/read", func(c *gin.Context) {
		err := deps.Orch.Notify.Ack(c.Request.Context(), currentUser(c), domain.NotificationID(c.Param("id")))
		switch {
		case errors.Is(err, notify.ErrNotificationNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		case err != nil:
			log.Error().Err(err).Str("module", "adapters.http").Msg("ack notification")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		default:
			c.Status(http.StatusNoContent)
		}
	})

	user.GET("/presence", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"users": deps.Orch.Registry.OnlineUsers()})
	})

	user.GET("/presence/:user", func(c *gin.Context) {
		uid, err := domain.ParseUserID(c.Param("user"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": uid, "online": deps.Orch.Registry.IsOnline(uid)})
	})

	internal := api.Group("/internal", RequireInternalKey(cfg.InternalKey))

	internal.POST("/notify", func(c *gin.Context) {
		var req struct {
			UserID string         `json:"user_id"`
			Kind   string         `json:"kind"`
			Fields map[string]any `json:"fields"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		uid, err := domain.ParseUserID(req.UserID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		kind, err := domain.ParseNotificationKind(req.Kind)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rcpt, err := deps.Orch.Dispatch(c.Request.Context(), uid, kind, req.Fields)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "PERSIST_FAILURE"})
			return
		}
		c.JSON(http.StatusAccepted, rcpt)
	})

	internal.POST("/tokens", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		uid, err := domain.ParseUserID(req.UserID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token, err := deps.Issuer.Issue(uid)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "issue"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	})

	internal.DELETE("/users/:user/sessions", func(c *gin.Context) {
		uid, err := domain.ParseUserID(c.Param("user"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"closed": deps.Orch.Ban(uid)})
	})

	internal.GET("/calls", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"calls": deps.Orch.Calls.Active()})
	})

	return r
}
