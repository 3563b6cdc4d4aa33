package router

import (
	"net/http"
	"path"
	"strings"

	"github.com/3Eeeecho/go-chatroom/internal/chunkstore"
	"github.com/3Eeeecho/go-chatroom/internal/config"
	"github.com/3Eeeecho/go-chatroom/internal/handlers"
	"github.com/3Eeeecho/go-chatroom/internal/middlewares"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/xerr"
	"github.com/gin-gonic/gin"
)

// InitRouter 注册所有路由; localRoot 非空时以 public_base_url 为前缀提供本地存储的文件
func InitRouter(
	uploadHandler *handlers.UploadHandler,
	messageHandler *handlers.MessageHandler,
	chatHandler *handlers.ChatHandler,
	cfg *config.Config,
	localRoot string,
) *gin.Engine {
	switch cfg.Server.Mode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
		gin.SetMode(cfg.Server.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	// Health Check 路由
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	router.GET("/ws", chatHandler.ServeWS)

	if localRoot != "" {
		prefix := publicPrefix(cfg.Storage.PublicBaseURL)
		router.GET(prefix+"/*filepath", localFiles(prefix, localRoot))
	}

	v1 := router.Group("/api/v1")
	{
		// 下载无需认证, 文件地址会出现在聊天消息中
		v1.GET("/files/:file_id", uploadHandler.Download)

		authenticated := v1.Group("/")
		authenticated.Use(middlewares.AuthMiddleware(cfg))

		fileGroup := authenticated.Group("/files")
		{
			fileGroup.POST("/chunk", uploadHandler.UploadChunk)
			fileGroup.POST("/merge", uploadHandler.Merge)
			fileGroup.GET("/sessions/:file_id", uploadHandler.SessionStatus)
			fileGroup.DELETE("/sessions/:file_id", uploadHandler.Abandon)
		}

		messageGroup := authenticated.Group("/messages")
		{
			messageGroup.GET("", messageHandler.RoomMessages)
			messageGroup.GET("/user", messageHandler.UserMessages)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		xerr.Error(c, http.StatusNotFound, xerr.NotFoundCode, "Route not found")
	})

	return router
}

// publicPrefix public_base_url 为完整地址时, 取其路径部分作为路由前缀
func publicPrefix(publicBaseURL string) string {
	p := publicBaseURL
	if i := strings.Index(p, "://"); i >= 0 {
		p = p[i+3:]
		if j := strings.Index(p, "/"); j >= 0 {
			p = p[j:]
		} else {
			p = ""
		}
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/uploads"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// localFiles 提供本地存储中的文件, 分片目录和写入中的临时文件不可访问
func localFiles(prefix, root string) gin.HandlerFunc {
	fileServer := http.StripPrefix(prefix, http.FileServer(gin.Dir(root, false)))
	return func(c *gin.Context) {
		p := path.Clean("/" + c.Param("filepath"))
		if p == "/" || hasDirPrefix(p, "/"+chunkstore.TempPrefix) || strings.HasPrefix(p, "/.") {
			xerr.Error(c, http.StatusNotFound, xerr.FileNotFoundCode, xerr.ErrFileNotFound.Error())
			return
		}
		fileServer.ServeHTTP(c.Writer, c.Request)
	}
}

func hasDirPrefix(p, dir string) bool {
	return p == dir || strings.HasPrefix(p, dir+"/")
}
