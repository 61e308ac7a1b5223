package admin

import (
	"crypto/subtle"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
)

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func requireToken(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			const p = "Bearer "
			if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func mountPprof(g *gin.RouterGroup) {
	p := g.Group("/pprof")
	p.GET("/", gin.WrapF(hpprof.Index))
	p.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	p.GET("/profile", gin.WrapF(hpprof.Profile))
	p.POST("/symbol", gin.WrapF(hpprof.Symbol))
	p.GET("/symbol", gin.WrapF(hpprof.Symbol))
	p.GET("/trace", gin.WrapF(hpprof.Trace))
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		p.GET("/"+name, gin.WrapH(hpprof.Handler(name)))
	}
}
