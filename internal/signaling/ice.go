package signaling

import (
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"

	"github.com/aura-webinar/conference/pkg/response"
)

// ICEServers builds the ICE server list from STUN/TURN urls.
func ICEServers(urls []string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u != "" {
			servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	return servers
}

// ICEHandler handles GET /webrtc/ice-servers.
func ICEHandler(servers []webrtc.ICEServer) gin.HandlerFunc {
	return func(c *gin.Context) {
		response.OK(c, gin.H{"iceServers": servers})
	}
}
