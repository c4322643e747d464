package handlers

import (
	"context"
	"strconv"
	"time"

	"gamebattle-orchestrator/bridge"
	"gamebattle-orchestrator/middleware"
	"gamebattle-orchestrator/models"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsMaxFrame   = 64 << 10
	offsetLocal  = "offset"
	sessionParam = "id"
)

// wsConn carries bridge frames as JSON text messages.
type wsConn struct {
	conn *websocket.Conn
}

func (w wsConn) ReadFrame() (bridge.Frame, error) {
	var f bridge.Frame
	err := w.conn.ReadJSON(&f)
	return f, err
}

func (w wsConn) WriteFrame(f bridge.Frame) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteJSON(f)
}

func (w wsConn) Close() error {
	return w.conn.Close()
}

// wsPreflight answers ownership and lookup failures as plain HTTP before
// the upgrade, so clients get a status code instead of a dropped socket.
func wsPreflight(d Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var offset uint64
		if raw := c.Query("offset"); raw != "" {
			n, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "offset must be a byte offset"})
			}
			offset = n
		}
		rec, err := d.Sessions.Get(c.UserContext(), middleware.IdentityFrom(c), c.Params(sessionParam))
		if err != nil {
			return respondError(c, err)
		}
		if rec.InstanceID != "" && rec.InstanceID != d.Config.InstanceID && rec.State.Live() {
			// held by another instance; the gateway should route there
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session is not held by this instance"})
		}
		c.Locals(offsetLocal, offset)
		return c.Next()
	}
}

func wsSession(d Deps) fiber.Handler {
	log := d.Log.WithField("component", "handlers.ws")
	return websocket.New(func(conn *websocket.Conn) {
		who, _ := conn.Locals(middleware.IdentityKey).(models.Identity)
		offset, _ := conn.Locals(offsetLocal).(uint64)
		id := conn.Params(sessionParam)
		conn.SetReadLimit(wsMaxFrame)

		err := d.Sessions.Attach(context.Background(), who, id, wsConn{conn: conn}, offset)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"session_id": id, "user_id": who.UserID}).Warn("Websocket attach failed")
			_ = wsConn{conn: conn}.WriteFrame(bridge.Frame{Type: bridge.FrameBye, Reason: bridge.ByeUnavailable})
			_ = conn.Close()
		}
	})
}
