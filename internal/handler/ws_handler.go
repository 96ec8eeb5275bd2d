/*
Package handler provides the HTTP handler function for websocket connection
upgrading and subscriber initialization.

This file contains the HandleWebSocket function, which rate-limits and
upgrades the connection and starts the subscriber's read and write pumps.
The room join itself happens over the socket (one-shot JOIN_ROOM message).
*/
package handler

import (
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"blivecast/internal/app/relay"
	"blivecast/internal/pkg/errs"
	"blivecast/internal/pkg/limiter"
	"blivecast/internal/pkg/logx"
	"blivecast/internal/pkg/resp"
)

// HandleWebSocket creates an HTTP HandlerFunc to process overlay websocket
// connection requests.
func HandleWebSocket(upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter, deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		if ip == "" {
			ip = "unknown_ip"
		}

		if !rateLimiter.GetLimiter(ip).Allow() {
			logx.Warn("Websocket connection rejected: Rate limit exceeded.", "ip", ip)
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to websocket")
			return
		}

		logx.Info("Websocket connected", "ip", ip)

		client := relay.NewClient(deps.Manager, conn)

		go client.WritePump()

		client.ReadPump()
	}
}
