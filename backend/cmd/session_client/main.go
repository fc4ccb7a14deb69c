package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sessionSync/backend/config"
	"sessionSync/backend/internal/authtoken"
	"sessionSync/backend/internal/canvas"
	"sessionSync/backend/internal/logging"
	"sessionSync/backend/internal/session"
	"sessionSync/backend/internal/ws"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var (
		cfgFile  string
		logLevel string
		cfg      *config.Config
	)

	root := &cobra.Command{
		Use:          "session_client",
		Short:        "Join a collaborative session from the terminal",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(v, cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			// 交互式客户端默认只打印 warn 以上，避免刷屏
			logging.Configure("session_client", logLevel, true)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: search sessionConfig.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")
	root.PersistentFlags().String("url", "", "relay base url, e.g. http://localhost:8080")
	root.PersistentFlags().String("token", "", "access token")
	_ = v.BindPFlag("client.url", root.PersistentFlags().Lookup("url"))
	_ = v.BindPFlag("client.token", root.PersistentFlags().Lookup("token"))

	root.AddCommand(newJoinCmd(func() *config.Config { return cfg }))
	root.AddCommand(newTokenCmd(v))
	return root
}

func newTokenCmd(v *viper.Viper) *cobra.Command {
	var (
		userID string
		name   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development access token signed with auth.secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				userID = uuid.NewString()
			}
			signer := authtoken.NewSigner(v.GetString("auth.secret"))
			tok, exp, err := signer.SignAccessToken(userID, name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "user %s, expires %s\n", userID, exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (random when empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().String("secret", "", "signing secret")
	_ = v.BindPFlag("auth.secret", cmd.Flags().Lookup("secret"))
	return cmd
}

func newJoinCmd(cfg func() *config.Config) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "join <session-id>",
		Short: "Join a session: stdin lines are chat, /cursor x y, /rect, /clear, /quit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return join(ctx, cfg(), args[0], session.ID(userID), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "your user id (must match the token subject)")
	return cmd
}

func join(ctx context.Context, cfg *config.Config, sessionID string, userID session.ID, in io.Reader, out io.Writer) error {
	logger := log.Logger.With().Str("session_id", sessionID).Logger()

	u, err := ws.SessionURL(cfg.Client.URL, sessionID, cfg.Client.Token)
	if err != nil {
		return err
	}
	client := ws.NewClient(ws.Config{
		URL: u,
		Reconnect: ws.ReconnectConfig{
			BaseDelay:   cfg.Client.BaseDelay,
			MaxDelay:    cfg.Client.MaxDelay,
			MaxAttempts: cfg.Client.MaxAttempts,
		},
		Transport: ws.DefaultTransportConfig(),
	}, logger, nil)
	defer client.Shutdown()

	ch, err := session.Open(client, sessionID, userID, logger)
	if err != nil {
		return err
	}
	defer ch.Close()

	history := canvas.NewHTTPHistory(canvas.HTTPHistoryConfig{
		BaseURL: strings.TrimRight(cfg.Client.URL, "/") + "/api",
		Token:   cfg.Client.Token,
	})
	surface := canvas.New(ch, history, canvas.Config{Debounce: cfg.Client.Debounce}, logger, nil)
	defer surface.Close()

	printer := newPrinter(out)
	ch.OnMessage(func(m session.Message) { printer.message(m) })
	ch.OnUserJoined(func(p session.Presence) { printer.presence("joined", p) })
	ch.OnUserLeft(func(p session.Presence) { printer.presence("left", p) })
	ch.OnCursor(func(c session.Cursor) { printer.printf("* cursor %s at (%.0f, %.0f)", c.UserID, c.X, c.Y) })
	surface.OnChange(func(c canvas.Change) {
		if c.Origin == canvas.OriginRemote {
			printer.printf("* canvas updated: %d elements", len(c.Snapshot.Elements))
		}
	})
	client.OnOpen(func() { printer.printf("* connected to %s", sessionID) })

	client.Connect()

	mountCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := surface.Mount(mountCtx); err != nil {
		printer.printf("* history unavailable: %v", err)
	}
	cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Lost():
			return client.ConnectionError()
		case line, ok := <-lines:
			if !ok {
				surface.Flush()
				return nil
			}
			if quit := handleLine(strings.TrimSpace(line), ch, surface, printer); quit {
				surface.Flush()
				return nil
			}
		}
	}
}

// chatSender 是 handleLine 用到的 session.Channel 方法
type chatSender interface {
	SendMessage(text string) error
	SendCursor(x, y float64) error
}

// handleLine 处理一行输入，返回 true 表示退出。
func handleLine(line string, ch chatSender, surface *canvas.Surface, p *printer) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	var err error
	switch fields[0] {
	case "/quit":
		return true
	case "/cursor":
		if len(fields) != 3 {
			p.printf("usage: /cursor x y")
			return false
		}
		x, errX := strconv.ParseFloat(fields[1], 64)
		y, errY := strconv.ParseFloat(fields[2], 64)
		if errX != nil || errY != nil {
			p.printf("usage: /cursor x y")
			return false
		}
		err = ch.SendCursor(x, y)
	case "/clear":
		// 走 surface，本地文档、历史记录和其他人保持一致
		surface.Clear()
		p.printf("* canvas cleared")
	case "/rect":
		doc := surface.Document()
		doc.Elements = append(doc.Elements, canvas.Element{
			"id":     uuid.NewString(),
			"type":   "rectangle",
			"x":      float64(40 * len(doc.Elements)),
			"y":      40.0,
			"width":  100.0,
			"height": 60.0,
		})
		surface.Edit(doc)
		p.printf("* canvas now has %d elements", len(doc.Elements))
	default:
		err = ch.SendMessage(line)
	}
	if err != nil {
		p.printf("* not sent: %v", err)
	}
	return false
}
