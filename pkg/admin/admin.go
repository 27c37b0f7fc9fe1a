// Package admin exposes the administrative HTTP API: inventory management
// and a read-only view of the pool.
package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/schollz/logger"

	"github.com/kfsoftware/proxypool/pkg/db"
	"github.com/kfsoftware/proxypool/pkg/tunnel"
)

type Server struct {
	store   *db.Store
	tunnels *tunnel.Manager
}

func NewServer(store *db.Store, tunnels *tunnel.Manager) *Server {
	return &Server{store: store, tunnels: tunnels}
}

// Handler builds the gin router. Split from Run so tests can drive it
// through httptest.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	gin.DebugPrintRouteFunc = func(httpMethod, absolutePath, handlerName string, nuHandlers int) {
		log.Debugf("endpoint %v %v %v %v", httpMethod, absolutePath, handlerName, nuHandlers)
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	r.GET("/ports", s.listPorts)
	r.POST("/ports/:number/reset", s.resetPort)
	r.GET("/credentials", s.listCredentials)
	r.POST("/credentials", s.createCredential)
	r.DELETE("/credentials/:id", s.deleteCredential)
	return r
}

func (s *Server) listPorts(c *gin.Context) {
	ports, err := s.store.ListPorts()
	if err != nil {
		c.JSON(http.StatusBadRequest, map[string]string{"Message": err.Error()})
		return
	}
	machineIP := tunnel.LocalIPv4()
	out := []map[string]interface{}{}
	for i := range ports {
		p := &ports[i]
		elem := map[string]interface{}{
			"number":      p.Number,
			"proxy":       p.ProxyAddress(machineIP),
			"external_ip": p.ExternalIP,
			"assigned":    !p.NeedsCredential(),
		}
		if p.TimeConnected != nil {
			elem["time_connected"] = p.TimeConnected
		}
		if p.CredentialID != nil {
			if cred, err := s.store.CredentialByID(*p.CredentialID); err == nil && cred != nil {
				elem["credential_host"] = cred.Host
			}
		}
		out = append(out, elem)
	}
	c.JSON(http.StatusOK, map[string]interface{}{"ports": out})
}

func (s *Server) resetPort(c *gin.Context) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		c.JSON(http.StatusBadRequest, map[string]string{"Message": "invalid port number"})
		return
	}
	port, err := s.store.PortByNumber(number)
	if err != nil {
		c.JSON(http.StatusBadRequest, map[string]string{"Message": err.Error()})
		return
	}
	if port == nil {
		c.JSON(http.StatusNotFound, map[string]string{"Message": "port not found"})
		return
	}
	if err := s.tunnels.KillOnPort(number); err != nil && !errors.Is(err, tunnel.ErrNotFound) {
		log.Warnf("kill forward on %d: %v", number, err)
	}
	if err := s.store.ResetPort(port.ID); err != nil {
		c.JSON(http.StatusBadRequest, map[string]string{"Message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) listCredentials(c *gin.Context) {
	creds, err := s.store.ListCredentials()
	if err != nil {
		c.JSON(http.StatusBadRequest, map[string]string{"Message": err.Error()})
		return
	}
	out := []map[string]interface{}{}
	for i := range creds {
		cred := &creds[i]
		out = append(out, map[string]interface{}{
			"id":       cred.ID,
			"host":     cred.Host,
			"username": cred.Username,
			"is_live":  cred.IsLive,
			"assigned": cred.PortID != nil,
		})
	}
	c.JSON(http.StatusOK, map[string]interface{}{"credentials": out})
}

type createCredentialReq struct {
	Host     string `json:"host" binding:"required"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) createCredential(c *gin.Context) {
	var req createCredentialReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, map[string]string{"Message": err.Error()})
		return
	}
	cred, err := s.store.CreateCredential(req.Host, req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, map[string]string{"Message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, map[string]string{"id": cred.ID})
}

func (s *Server) deleteCredential(c *gin.Context) {
	released, err := s.store.DeleteCredential(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, map[string]string{"Message": err.Error()})
		return
	}
	if released != 0 {
		if err := s.tunnels.KillOnPort(released); err != nil && !errors.Is(err, tunnel.ErrNotFound) {
			log.Warnf("kill forward on %d: %v", released, err)
		}
	}
	c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}
