// Package monitor implements the monitoring and control HTTP surface
// (SPEC_FULL.md section 7), grounded on the teacher's gin + gin-contrib
// sessions/cookie wiring in main.go -- the same session-cookie admin
// login pattern, narrowed from the teacher's broad admin console down
// to the annunciator's own read-mostly surface: state inspection,
// manual Goto, volume, and device listing.
package monitor

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/openpipe-hmi/annunciator/internal/alarms"
	"github.com/openpipe-hmi/annunciator/internal/registry"
	"github.com/openpipe-hmi/annunciator/internal/statemachine"
	"github.com/openpipe-hmi/annunciator/internal/tags"
	"github.com/openpipe-hmi/annunciator/internal/volume"
)

// Credentials gates the admin-only routes.
type Credentials struct {
	Username string
	Password string
}

// Surface owns the gin engine and every dependency its handlers read
// through -- never the concurrency primitives C1-C10 use directly,
// only the same dispatcher/registry interfaces the action tree calls.
type Surface struct {
	engine   *gin.Engine
	machines map[string]*statemachine.Machine
	registry *registry.Registry
	tags     *tags.Dispatcher
	alarmsD  *alarms.Dispatcher
	volume   *volume.Control
	devices  []string
	creds    Credentials
}

// New builds the gin engine and registers every route.
func New(sessionSecret string, creds Credentials, machines map[string]*statemachine.Machine, reg *registry.Registry, tagsD *tags.Dispatcher, alarmsD *alarms.Dispatcher, vol *volume.Control, devices []string) *Surface {
	s := &Surface{
		engine:   gin.New(),
		machines: machines,
		registry: reg,
		tags:     tagsD,
		alarmsD:  alarmsD,
		volume:   vol,
		devices:  devices,
		creds:    creds,
	}
	s.engine.Use(gin.Recovery())

	store := cookie.NewStore([]byte(sessionSecret))
	s.engine.Use(sessions.Sessions("annunciator_session", store))

	s.engine.GET("/status", s.statusHandler)
	s.engine.GET("/admin/login", s.loginGetHandler)
	s.engine.POST("/admin/login", s.loginPostHandler)
	s.engine.GET("/admin/logout", s.logoutHandler)

	admin := s.engine.Group("/admin", s.requireAuth())
	admin.GET("/state", s.stateHandler)
	admin.POST("/goto", s.gotoHandler)
	admin.POST("/volume", s.volumeHandler)
	admin.GET("/devices", s.devicesHandler)

	return s
}

// Handler returns the http.Handler to serve, for wiring into an
// http.Server in cmd/annunciator.
func (s *Surface) Handler() http.Handler { return s.engine }

func (s *Surface) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		if ok, _ := session.Get("authenticated").(bool); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "login required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Surface) statusHandler(c *gin.Context) {
	names := make([]string, 0, len(s.machines))
	for name := range s.machines {
		names = append(names, name)
	}
	c.JSON(http.StatusOK, gin.H{"status": "running", "state_machines": names})
}

func (s *Surface) loginGetHandler(c *gin.Context) {
	c.String(http.StatusOK, "POST username/password as form fields to /admin/login")
}

func (s *Surface) loginPostHandler(c *gin.Context) {
	username := c.PostForm("username")
	password := c.PostForm("password")
	if username != s.creds.Username || password != s.creds.Password {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	session := sessions.Default(c)
	session.Set("authenticated", true)
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not save session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged in"})
}

func (s *Surface) logoutHandler(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Save()
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

func (s *Surface) stateHandler(c *gin.Context) {
	out := make(map[string]string, len(s.machines))
	for name, m := range s.machines {
		out[name] = m.ActiveState()
	}
	c.JSON(http.StatusOK, gin.H{
		"state_machines": out,
		"volume":         s.volume.Get(),
	})
}

func (s *Surface) gotoHandler(c *gin.Context) {
	machine := c.PostForm("machine")
	state := c.PostForm("state")
	if err := s.registry.Goto(machine, state); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Surface) volumeHandler(c *gin.Context) {
	var body struct {
		Volume float64 `json:"volume"`
	}
	if err := c.BindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.volume.Set(body.Volume)
	c.JSON(http.StatusOK, gin.H{"volume": s.volume.Get()})
}

func (s *Surface) devicesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.devices})
}
