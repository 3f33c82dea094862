// Package transport accepts websocket connections, authenticates the
// handshake token, and pumps decoded frames into the engine.
package transport

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/chess-arena/internal/auth"
	"github.com/park285/chess-arena/internal/engine"
	"github.com/park285/chess-arena/internal/hub"
	"github.com/park285/chess-arena/internal/metrics"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/wire"
)

type Server struct {
	mgr      *engine.Manager
	verifier *auth.Verifier
}

func NewServer(mgr *engine.Manager, verifier *auth.Verifier) *Server {
	return &Server{mgr: mgr, verifier: verifier}
}

// ServeHTTP upgrades the connection. The token travels as a query
// parameter because browsers cannot set headers on websocket dials.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ident, err := s.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		obslog.L().Warn("ws_auth_rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		OriginPatterns:  []string{"*"},
	})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	conn := newWSConn(c)
	p := hub.NewParticipant(ident.UserID, ident.Name, ident.IsGuest, conn)
	metrics.ActiveConnections.Inc()
	obslog.L().Info("ws_connect",
		zap.String("user_id", p.ID),
		zap.String("conn_id", p.ConnID),
		zap.Bool("guest", p.Guest),
	)

	s.readLoop(r.Context(), c, p)

	metrics.ActiveConnections.Dec()
	s.mgr.HandleDisconnect(p.ConnID)
	_ = conn.Close()
	obslog.L().Info("ws_disconnect", zap.String("user_id", p.ID), zap.String("conn_id", p.ConnID))
}

func (s *Server) readLoop(ctx context.Context, c *websocket.Conn, p *hub.Participant) {
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		in, err := wire.Decode(data)
		if err != nil {
			obslog.L().Debug("ws_bad_frame", zap.String("user_id", p.ID), zap.Error(err))
			_ = p.Send(ctx, wire.GameAlert("unrecognized message"))
			continue
		}
		s.dispatch(ctx, p, in)
	}
}

func (s *Server) dispatch(ctx context.Context, p *hub.Participant, in *wire.Inbound) {
	switch in.Type {
	case wire.TypeInitGame:
		s.mgr.HandleStart(ctx, p)
	case wire.TypeJoinGame:
		_ = s.mgr.HandleJoin(ctx, p, in.Join.GameID)
	case wire.TypeMove:
		s.mgr.HandleMove(ctx, p, in.Move)
	case wire.TypeExitGame:
		s.mgr.HandleExit(ctx, p, in.Exit.GameID)
	}
}
