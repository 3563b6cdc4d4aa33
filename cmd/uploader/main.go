package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/3Eeeecho/go-chatroom/internal/models"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/filetype"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/notify"
	"github.com/3Eeeecho/go-chatroom/internal/pkg/utils"
	"github.com/3Eeeecho/go-chatroom/internal/uploader"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	// 环境变量前缀，例如 GO_CHATROOM_UPLOADER_SERVER 对应 --server
	v.SetEnvPrefix("GO_CHATROOM_UPLOADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "uploader",
		Short:         "聊天室文件分片上传客户端",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if os.Getenv("GO_CHATROOM_UPLOADER_DEBUG") != "" {
				logger.InitLogger("stdout", "stderr", "debug")
				return
			}
			logger.InitLogger("stderr", "stderr", "warn")
		},
	}
	root.AddCommand(newUploadCmd(v), newTokenCmd(v))
	return root
}

func newUploadCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "分片上传文件并发送到聊天室",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(v, args)
		},
	}
	flags := cmd.Flags()
	flags.String("server", "http://127.0.0.1:3000", "服务端地址")
	flags.String("token", "", "JWT, 可用 token 子命令生成")
	flags.Int64("chunk-size", uploader.DefaultChunkSize, "分片大小 (字节)")
	flags.Int("concurrency", uploader.DefaultMaxConcurrency, "同时上传的分片数, 0 表示不限制")
	flags.Duration("chunk-timeout", uploader.DefaultChunkTimeout, "单个分片的超时时间")
	flags.Duration("merge-timeout", uploader.DefaultMergeTimeout, "合并请求的超时时间")
	flags.Bool("weight-partial", false, "上传中的分片按已发送比例计入进度")
	flags.Bool("notify", true, "上传完成后通过 WebSocket 发送文件消息")
	_ = v.BindPFlags(flags)
	return cmd
}

func runUpload(v *viper.Viper, paths []string) error {
	token := v.GetString("token")
	if token == "" {
		return fmt.Errorf("--token is required")
	}
	server := v.GetString("server")

	opts := uploader.DefaultOptions()
	opts.ChunkSize = v.GetInt64("chunk-size")
	opts.MaxConcurrency = v.GetInt("concurrency")
	opts.ChunkTimeout = v.GetDuration("chunk-timeout")
	opts.MergeTimeout = v.GetDuration("merge-timeout")
	opts.WeightPartialProgress = v.GetBool("weight-partial")

	// 只用于填充文件消息, 服务端会以自己校验的身份为准
	if claims, err := unverifiedClaims(token); err == nil {
		opts.UserID = claims.UserID
		opts.Username = claims.Username
	}

	var printMu sync.Mutex
	var failed int
	opts.OnProgress = func(task uploader.Task) {
		printMu.Lock()
		fmt.Printf("\r%-40s %6.1f%%", task.Meta.Name, task.Progress)
		printMu.Unlock()
	}
	opts.OnSuccess = func(task uploader.Task) {
		printMu.Lock()
		fmt.Printf("\r%-40s done  id=%d url=%s\n", task.Meta.Name, task.Result.FileID, task.Result.FileURL)
		printMu.Unlock()
	}
	opts.OnError = func(task uploader.Task, err error) {
		printMu.Lock()
		failed++
		fmt.Printf("\r%-40s failed: %v\n", task.Meta.Name, err)
		printMu.Unlock()
	}

	var notifier uploader.Notifier
	if v.GetBool("notify") {
		sink, err := uploader.NewWSSink(server, token, nil)
		if err != nil {
			return err
		}
		defer sink.Close()
		dispatcher := notify.NewDispatcher[*models.FileMessage](sink, notify.DefaultQueueSize, 10*time.Second)
		// 退出前发送完队列中的文件消息
		defer dispatcher.Close()
		notifier = dispatcher
	}

	scheduler := uploader.NewScheduler(uploader.NewHTTPTransport(server, token, nil), notifier, opts)

	var files []*os.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		files = append(files, f)
		info, err := f.Stat()
		if err != nil {
			return err
		}
		name := filepath.Base(p)
		meta := uploader.FileMeta{Name: name, Type: filetype.ContentTypeOf(name, "")}
		if _, err := scheduler.Enqueue(f, info.Size(), meta); err != nil {
			logger.Warn("跳过文件", zap.String("path", p), zap.Error(err))
			printMu.Lock()
			failed++
			printMu.Unlock()
		}
	}
	scheduler.Wait()

	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(paths))
	}
	return nil
}

func unverifiedClaims(token string) (*utils.Claims, error) {
	claims := &utils.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func newTokenCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "生成开发环境使用的 JWT",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := v.GetString("secret")
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}
			token, err := utils.GenerateToken(
				v.GetUint64("user-id"),
				v.GetString("username"),
				v.GetString("email"),
				secret,
				v.GetString("issuer"),
				v.GetDuration("ttl"),
			)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("secret", "", "与服务端 jwt.secret_key 相同的密钥")
	flags.Uint64("user-id", 1, "用户 ID")
	flags.String("username", "guest", "用户名")
	flags.String("email", "", "邮箱")
	flags.String("issuer", "go-chatroom", "签发者")
	flags.Duration("ttl", 24*time.Hour, "有效期")
	_ = v.BindPFlags(flags)
	return cmd
}
