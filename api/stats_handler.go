package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// stats reports counters from every relay component.
func (a *API) stats(c *gin.Context) {
	c.JSON(http.StatusOK, a.relay.Stats())
}
