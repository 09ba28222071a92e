// Package httpapi mounts the ambient HTTP surface around the SFU: a
// health probe, the websocket upgrade route, and a debug endpoint that
// returns core.Core.QuerySession's output for a connection (an empty
// JSON object; no session state is exposed). It carries no signalling
// semantics of its own; everything it serves comes from core.Core and
// transport.Transport.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/brokerwave/sfu/internal/core"
	"github.com/brokerwave/sfu/internal/middleware"
	"github.com/brokerwave/sfu/internal/transport"
	"github.com/brokerwave/sfu/pkg/response"
)

// Router builds the gin engine serving the SFU's HTTP routes.
// corsOrigins follows middleware.CORS's comma-separated format.
func Router(sfu *core.Core, trans *transport.Transport, corsOrigins string, log *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(corsOrigins))
	router.Use(middleware.Logger(log))

	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{"status": "ok"})
	})

	router.GET("/query/:conn_id", func(c *gin.Context) {
		handle, ok := trans.HandleByID(c.Param("conn_id"))
		if !ok {
			c.JSON(http.StatusNotFound, response.Body{Success: false, Error: "unknown connection"})
			return
		}
		state, err := sfu.QuerySession(handle)
		if err != nil {
			c.JSON(http.StatusInternalServerError, response.Body{Success: false, Error: err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", state)
	})

	router.GET("/ws", func(c *gin.Context) {
		trans.ServeWS(c.Writer, c.Request)
	})

	return router
}
