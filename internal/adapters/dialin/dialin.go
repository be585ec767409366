// Package dialin is the websocket gateway callers use to enter the engine.
// Each connection is one inbound call: binary messages carry 20 ms chunks
// of 16-bit PCM in both directions. The gateway packetizes caller audio to
// RTP on the way in and strips RTP on the way out; the engine only ever
// sees RTP frames.
package dialin

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/rs/zerolog/log"

	"github.com/mkraev/roomhop/internal/adapters/local"
)

const (
	writeDeadline = 5 * time.Second
	rtpMTU        = 1200
	payloadType   = 11
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	Platform   *local.Platform
	SampleRate int
}

func NewController(platform *local.Platform, sampleRate int) *Controller {
	return &Controller{Platform: platform, SampleRate: sampleRate}
}

// HandleDial upgrades the connection and places the inbound call.
func (ctl *Controller) HandleDial(ctx context.Context, c *gin.Context) {
	caller := c.Query("caller")
	if caller == "" {
		caller = fmt.Sprintf("sip:%s@dialin", uuid.NewString())
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.dialin").Msg("ws upgrade")
		return
	}

	peer, err := ctl.Platform.DialIn(ctx, caller)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.dialin").Msg("dial in")
		_ = ws.Close()
		return
	}
	log.Info().Str("module", "adapters.dialin").Str("caller", caller).Msg("caller connected")

	connCtx, cancel := context.WithCancel(ctx)
	go ctl.writePump(connCtx, ws, peer, cancel)
	go ctl.readPump(connCtx, ws, peer, cancel)
}

// readPump moves caller PCM into the engine as RTP.
func (ctl *Controller) readPump(ctx context.Context, ws *websocket.Conn, peer *local.RemotePeer, cancel context.CancelFunc) {
	defer func() {
		cancel()
		peer.Hangup()
		_ = ws.Close()
		log.Info().Str("module", "adapters.dialin").Msg("readPump closing")
	}()

	samplesPerFrame := uint32(ctl.SampleRate / 50)
	packetizer := rtp.NewPacketizer(
		rtpMTU,
		payloadType,
		rand.Uint32(),
		&codecs.G711Payloader{},
		rtp.NewRandomSequencer(),
		uint32(ctl.SampleRate),
	)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		for _, pkt := range packetizer.Packetize(data, samplesPerFrame) {
			raw, err := pkt.Marshal()
			if err != nil {
				log.Warn().Err(err).Str("module", "adapters.dialin").Msg("marshal rtp")
				continue
			}
			if err := peer.Send(raw); err != nil {
				return
			}
		}
	}
}

// writePump moves engine audio back to the caller as raw PCM.
func (ctl *Controller) writePump(ctx context.Context, ws *websocket.Conn, peer *local.RemotePeer, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-peer.Hear():
			if !ok {
				return
			}
			var pkt rtp.Packet
			if err := pkt.Unmarshal(frame); err != nil {
				log.Warn().Err(err).Str("module", "adapters.dialin").Msg("bad frame from engine")
				continue
			}
			if err := ws.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, pkt.Payload); err != nil {
				return
			}
		}
	}
}
