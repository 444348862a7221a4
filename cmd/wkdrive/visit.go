package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/standardbeagle/wkdrive/internal/browser"
	"github.com/standardbeagle/wkdrive/internal/config"
)

var visitCmd = &cobra.Command{
	Use:   "visit URL",
	Short: "Load a page and print part of it",
	Long: `Load a page and print part of it.

An engine is started for the visit unless --connect names one that is
already running (host:port or a ws:// URL).`,
	Args: cobra.ExactArgs(1),
	RunE: runVisit,
}

func init() {
	addSessionFlags(visitCmd)
	visitCmd.Flags().String("show", "body", "What to print: url, requested-url, title, status, headers, body or source")
	rootCmd.AddCommand(visitCmd)
}

// addSessionFlags registers the flags shared by commands that drive a page.
func addSessionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("connect", "", "Use a running engine at host:port or ws://host:port/ws")
	f.Bool("ignore-ssl", false, "Accept invalid TLS certificates")
	f.Bool("skip-images", false, "Do not load images")
	f.String("proxy", "", "Route requests through an HTTP proxy at host:port")
	f.String("proxy-user", "", "Proxy user")
	f.String("proxy-pass", "", "Proxy password")
	f.String("auth", "", "Answer basic-auth challenges with user:pass")
}

func runVisit(cmd *cobra.Command, args []string) error {
	show, _ := cmd.Flags().GetString("show")

	return withPage(cmd, args[0], func(ctx context.Context, c *browser.Client) error {
		var (
			out string
			err error
		)
		switch show {
		case "url":
			out, err = c.URL(ctx)
		case "requested-url":
			out, err = c.RequestedURL(ctx)
		case "title":
			out, err = c.Title(ctx)
		case "status":
			var code int
			code, err = c.StatusCode(ctx)
			out = fmt.Sprint(code)
		case "headers":
			var h map[string][]string
			h, err = c.ResponseHeaders(ctx)
			if err == nil {
				return printJSON(h)
			}
		case "body":
			out, err = c.Body(ctx)
		case "source":
			out, err = c.Source(ctx)
		default:
			return fmt.Errorf("unknown --show value %q", show)
		}
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	})
}

// withPage opens a client configured from the config file and flags, visits
// url and calls fn.
func withPage(cmd *cobra.Command, url string, fn func(context.Context, *browser.Client) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applySessionFlags(cmd, cfg); err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := openClient(ctx, cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	if err := applySession(ctx, c, cfg); err != nil {
		return err
	}
	if err := c.Visit(ctx, url); err != nil {
		return err
	}
	return fn(ctx, c)
}

func applySessionFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if v, _ := f.GetBool("ignore-ssl"); v {
		cfg.Session.IgnoreSSLErrors = true
	}
	if v, _ := f.GetBool("skip-images"); v {
		cfg.Session.SkipImageLoading = true
	}
	if hostport, _ := f.GetString("proxy"); hostport != "" {
		p, err := config.ParseProxy(hostport)
		if err != nil {
			return err
		}
		p.User, _ = f.GetString("proxy-user")
		p.Pass, _ = f.GetString("proxy-pass")
		cfg.Session.Proxy = p
	}
	if auth, _ := f.GetString("auth"); auth != "" {
		user, pass, _ := strings.Cut(auth, ":")
		cfg.Session.Auth = &config.AuthSettings{User: user, Pass: pass}
	}
	return cfg.Validate()
}

func openClient(ctx context.Context, cmd *cobra.Command, cfg *config.Config, logger *zap.Logger) (*browser.Client, error) {
	opts := []browser.Option{browser.WithLogger(logger)}

	if target, _ := cmd.Flags().GetString("connect"); target != "" {
		return browser.Connect(ctx, target, cfg.Engine.ReadTimeout, opts...)
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate engine: %w", err)
	}
	return browser.Launch(ctx, cfg.LaunchConfig(exe, logger), opts...)
}

// applySession sends the configured policies to a fresh client.
func applySession(ctx context.Context, c *browser.Client, cfg *config.Config) error {
	if cfg.Session.IgnoreSSLErrors {
		if err := c.IgnoreSSLErrors(ctx); err != nil {
			return err
		}
	}
	if cfg.Session.SkipImageLoading {
		if err := c.SetSkipImageLoading(ctx, true); err != nil {
			return err
		}
	}
	if p := cfg.BrowserProxy(); p != nil {
		if err := c.SetProxy(ctx, *p); err != nil {
			return err
		}
	}
	if a := cfg.Session.Auth; a != nil {
		if err := c.Authenticate(ctx, a.User, a.Pass); err != nil {
			return err
		}
	}
	return nil
}
