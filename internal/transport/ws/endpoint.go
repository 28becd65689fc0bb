package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/driftmark/gamecore/internal/domain"
	"github.com/driftmark/gamecore/internal/gateway"
	"github.com/driftmark/gamecore/internal/messaging/rabbitmq"
	"github.com/driftmark/gamecore/internal/metrics"
)

// RPCCaller is the slice of the bus the endpoint needs.
type RPCCaller interface {
	CallRPC(ctx context.Context, exchange, key string, payload any, correlationID string) (*domain.RPCResponse, error)
}

// Config tunes the per-connection behavior of the endpoint.
type Config struct {
	AuthTimeout  time.Duration // budget for the first (auth) frame
	MaxMsgBytes  int64         // read limit per message, 0 = no limit
	HeartbeatSec int           // advertised in the hello frame
}

// Endpoint upgrades HTTP requests and runs the socket protocol: an auth
// command must arrive first, then hello goes out and the command loop runs
// until the client leaves or the sweeper evicts the session.
type Endpoint struct {
	registry *gateway.Registry
	rpc      RPCCaller
	cfg      Config
	upgrader websocket.Upgrader
	lg       zerolog.Logger
}

func NewEndpoint(registry *gateway.Registry, rpc RPCCaller, cfg Config, lg zerolog.Logger) *Endpoint {
	return &Endpoint{
		registry: registry,
		rpc:      rpc,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Auth rides in the first frame, not in cookies, so
			// cross-origin upgrades are safe to accept.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		lg: lg.With().Str("component", "ws").Logger(),
	}
}

// Handler returns the upgrade handler to mount on the router.
func (e *Endpoint) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := e.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			e.lg.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
			return
		}
		e.serve(r.Context(), raw, clientTypeOf(r))
	}
}

// authCommandQueues maps WS auth commands onto their RPC queues.
var authCommandQueues = map[string]string{
	"register":       rabbitmq.QueueAuthRegister,
	"issue_token":    rabbitmq.QueueAuthIssueToken,
	"validate_token": rabbitmq.QueueAuthValidateToken,
	"refresh_token":  rabbitmq.QueueAuthRefreshToken,
	"logout":         rabbitmq.QueueAuthLogout,
}

// handshakeError carries the close code and reason for a rejected upgrade.
// A code of 0 means the peer is already gone and no close frame is owed.
type handshakeError struct {
	code   int
	reason string
}

func (e *handshakeError) Error() string { return e.reason }

func (e *Endpoint) serve(ctx context.Context, raw *websocket.Conn, clientType string) {
	c := newConn(raw)
	if e.cfg.MaxMsgBytes > 0 {
		raw.SetReadLimit(e.cfg.MaxMsgBytes)
	}

	accountID, herr := e.authenticate(ctx, raw)
	if herr != nil {
		if herr.code > 0 {
			_ = c.Close(herr.code, herr.reason)
			metrics.RecordWSClosed(strconv.Itoa(herr.code))
		} else {
			_ = raw.Close()
		}
		e.lg.Warn().Str("reason", herr.reason).Str("remote", raw.RemoteAddr().String()).Msg("handshake rejected")
		return
	}
	// Liveness is the sweeper's job from here on.
	_ = raw.SetReadDeadline(time.Time{})

	id := mintConnectionID(accountID)
	e.registry.Connect(c, id, accountID, clientType)
	defer e.registry.Disconnect(id)

	hello, _ := json.Marshal(domain.NewHelloFrame(id, e.cfg.HeartbeatSec))
	if err := c.SendText(hello); err != nil {
		e.lg.Warn().Err(err).Str("connection_id", id).Msg("hello write failed")
		return
	}
	e.lg.Info().Int64("account_id", accountID).Str("connection_id", id).Msg("ws session authorized")

	e.readLoop(ctx, c, raw, id)
}

// authenticate enforces the auth-first protocol: the first frame must be the
// auth.validate_token command and its token must check out over RPC.
func (e *Endpoint) authenticate(ctx context.Context, raw *websocket.Conn) (int64, *handshakeError) {
	_ = raw.SetReadDeadline(time.Now().Add(e.cfg.AuthTimeout))
	_, data, err := raw.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			return 0, &handshakeError{code: domain.ClosePolicyViolated, reason: "Authentication timeout"}
		}
		return 0, &handshakeError{reason: "peer closed during handshake"}
	}

	var frame domain.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return 0, &handshakeError{code: domain.ClosePolicyViolated, reason: "Invalid JSON"}
	}
	if frame.Type != domain.FrameCommand || frame.Domain != "auth" || frame.Command != "validate_token" {
		return 0, &handshakeError{code: domain.ClosePolicyViolated, reason: "First message must be auth.validate_token"}
	}

	var creds struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if len(frame.Payload) > 0 {
		_ = json.Unmarshal(frame.Payload, &creds)
	}
	token := creds.Token
	if token == "" {
		token = creds.AccessToken
	}
	if token == "" {
		return 0, &handshakeError{code: domain.ClosePolicyViolated, reason: "Token required"}
	}

	resp, err := e.rpc.CallRPC(ctx, rabbitmq.ExchangeRPC, rabbitmq.QueueAuthValidateToken,
		domain.ValidateTokenRequest{AccessToken: token}, uuid.NewString())
	if err != nil {
		return 0, &handshakeError{code: domain.CloseInternalError, reason: "Auth service timeout"}
	}
	if !resp.Success {
		return 0, &handshakeError{code: domain.ClosePolicyViolated, reason: "Invalid token"}
	}

	var verdict domain.ValidateTokenResponse
	if err := json.Unmarshal(resp.Data, &verdict); err != nil {
		return 0, &handshakeError{code: domain.CloseInternalError, reason: "Auth response malformed"}
	}
	if !verdict.Valid {
		return 0, &handshakeError{code: domain.ClosePolicyViolated, reason: "Invalid token"}
	}
	if verdict.AccountID <= 0 {
		return 0, &handshakeError{code: domain.CloseInternalError, reason: "Auth response missing account_id"}
	}
	return verdict.AccountID, nil
}

var pingPrefix = []byte(`{"type":"ping"`)

func (e *Endpoint) readLoop(ctx context.Context, c *conn, raw *websocket.Conn, id string) {
	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				e.lg.Debug().Err(err).Str("connection_id", id).Msg("connection dropped")
			}
			return
		}
		e.registry.UpdateActivity(id)

		// Heartbeat fast path, no schema round trip.
		if bytes.HasPrefix(bytes.TrimSpace(data), pingPrefix) {
			pong, _ := json.Marshal(domain.NewPongFrame())
			_ = c.SendText(pong)
			continue
		}

		var frame domain.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			e.sendError(c, "", domain.CodeValidationFailed, "malformed frame")
			continue
		}

		switch frame.Type {
		case domain.FramePing:
			pong, _ := json.Marshal(domain.NewPongFrame())
			_ = c.SendText(pong)
		case domain.FrameCommand:
			e.handleCommand(ctx, c, &frame)
		case domain.FrameSubscribe, domain.FrameUnsubscribe:
			e.sendError(c, frame.RequestID, domain.CodeNotImplemented, "subscriptions are not implemented")
		default:
			e.sendError(c, frame.RequestID, domain.CodeValidationFailed, "unknown frame type")
		}
	}
}

// handleCommand forwards auth commands over RPC and surfaces the reply as an
// event frame. Every other domain is backend territory this socket does not
// route yet.
func (e *Endpoint) handleCommand(ctx context.Context, c *conn, frame *domain.ClientFrame) {
	if frame.Domain != "auth" {
		e.sendError(c, frame.RequestID, domain.CodeNotImplemented, fmt.Sprintf("domain %q is not available over this socket", frame.Domain))
		return
	}
	queue, ok := authCommandQueues[frame.Command]
	if !ok {
		e.sendError(c, frame.RequestID, domain.CodeNotImplemented, fmt.Sprintf("unknown auth command %q", frame.Command))
		return
	}

	payload := frame.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	event := "auth." + frame.Command
	resp, err := e.rpc.CallRPC(ctx, rabbitmq.ExchangeRPC, queue, payload, uuid.NewString())
	if err != nil {
		e.sendCommandError(c, event, frame.RequestID, domain.CodeOf(err), domain.MessageOf(err))
		return
	}
	if !resp.Success {
		e.sendCommandError(c, event, frame.RequestID, resp.ErrorCode, resp.Message)
		return
	}

	buf, _ := json.Marshal(domain.EventFrame{
		Type:      domain.FrameEvent,
		Event:     event,
		Status:    domain.EventStatusOK,
		Payload:   resp.Data,
		RequestID: frame.RequestID,
	})
	_ = c.SendText(buf)
}

// sendCommandError answers a failed command with an event frame whose status
// is "error" and whose payload is the taxonomy body.
func (e *Endpoint) sendCommandError(c *conn, event, requestID, code, message string) {
	body, _ := json.Marshal(domain.ErrorBody{Code: code, Message: message})
	buf, _ := json.Marshal(domain.EventFrame{
		Type:      domain.FrameEvent,
		Event:     event,
		Status:    domain.EventStatusError,
		Payload:   body,
		RequestID: requestID,
	})
	_ = c.SendText(buf)
}

func (e *Endpoint) sendError(c *conn, requestID, code, message string) {
	f := domain.NewErrorFrame(code, message)
	f.RequestID = requestID
	buf, _ := json.Marshal(f)
	_ = c.SendText(buf)
}

func mintConnectionID(accountID int64) string {
	return fmt.Sprintf("ws_%d_%s", accountID, uuid.NewString()[:8])
}

func clientTypeOf(r *http.Request) string {
	if v := r.URL.Query().Get("client_type"); v != "" {
		return v
	}
	return "PLAYER"
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
