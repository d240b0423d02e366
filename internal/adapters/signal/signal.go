package signal

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/heartline/internal/app/orch"
	"github.com/dkeye/heartline/internal/core"
)

// CredentialKey is the gin context key the HTTP layer stores the
// handshake credential under.
const CredentialKey = "credential"

// Settings bounds one session's timers and abuse tolerance.
type Settings struct {
	ReadLimit      int64
	SendBuffer     int
	PingPeriod     time.Duration
	WriteTimeout   time.Duration
	AuthGrace      time.Duration
	LivenessWindow time.Duration
	AbuseThreshold int
	AbuseWindow    time.Duration
	FrameRate      float64
	FrameBurst     int
	AllowedOrigins []string
	ICEServers     []webrtc.ICEServer
}

func DefaultSettings() Settings {
	return Settings{
		ReadLimit:      32768,
		SendBuffer:     256,
		PingPeriod:     25 * time.Second,
		WriteTimeout:   5 * time.Second,
		AuthGrace:      10 * time.Second,
		LivenessWindow: 60 * time.Second,
		AbuseThreshold: 10,
		AbuseWindow:    30 * time.Second,
		FrameRate:      20,
		FrameBurst:     40,
	}
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Verifier core.Verifier
	Settings Settings
	Clock    clock.Clock

	upgrader websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, v core.Verifier, settings Settings, clk clock.Clock) *SignalWSController {
	if clk == nil {
		clk = clock.New()
	}
	ctl := &SignalWSController{
		Orch:     o,
		Verifier: v,
		Settings: settings,
		Clock:    clk,
	}
	ctl.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     ctl.checkOrigin,
	}
	return ctl
}

func (ctl *SignalWSController) checkOrigin(r *http.Request) bool {
	if len(ctl.Settings.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(ctl.Settings.AllowedOrigins, r.Header.Get("Origin"))
}

// HandleSignal upgrades the request and hands the connection to a new
// supervisor. ctx bounds the supervisor's lifetime (server shutdown).
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	sup := ctl.NewSupervisor(ws, c.GetString(CredentialKey))
	log.Info().Str("module", "signal").Str("sid", string(sup.ID())).Str("remote", c.ClientIP()).Msg("new WS connection")
	sup.Start(ctx)
}
