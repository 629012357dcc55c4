package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nhle/agentmail/internal/app"
	"github.com/nhle/agentmail/internal/credential"
	"github.com/nhle/agentmail/internal/model"
	"github.com/nhle/agentmail/internal/secretbox"
	draftsync "github.com/nhle/agentmail/internal/sync"
)

func connectCmd(g *globalFlags) *cobra.Command {
	var (
		cfg           model.ConnectionConfig
		passwordStdin bool
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Validate and store IMAP/SMTP credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passwordStdin {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading password from stdin: %w", err)
				}
				cfg.Password = strings.TrimRight(line, "\r\n")
			}
			if cfg.Password == "" {
				cfg.Password = os.Getenv("AGENTMAIL_MAIL_PASSWORD")
			}

			return withApp(g, func(a *app.App) error {
				status, err := a.Agent.Connect(cmd.Context(), g.userID, cfg)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Email, "email", "", "mailbox address")
	f.StringVar(&cfg.Password, "password", "", "mailbox or app password (or AGENTMAIL_MAIL_PASSWORD)")
	f.BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	f.StringVar(&cfg.IMAPHost, "imap-host", "", "IMAP host (derived from the address when empty)")
	f.IntVar(&cfg.IMAPPort, "imap-port", 0, "IMAP port (default 993)")
	f.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP host (derived from the address when empty)")
	f.IntVar(&cfg.SMTPPort, "smtp-port", 0, "SMTP port (default 465)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func disconnectCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Deactivate the stored connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app.App) error {
				return a.Agent.Disconnect(cmd.Context(), g.userID)
			})
		},
	}
}

func testCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Log in to the stored IMAP and SMTP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app.App) error {
				if err := a.Agent.TestConnection(cmd.Context(), g.userID); err != nil {
					return err
				}
				status, err := a.Agent.Status(cmd.Context(), g.userID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func statusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app.App) error {
				status, err := a.Agent.Status(cmd.Context(), g.userID)
				if err != nil {
					return err
				}
				if status == nil {
					return &model.ConfigurationError{Message: "no mailbox connected"}
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func searchCmd(g *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search [query...]",
		Short: "Search the inbox (from:, to:, subject:, since:, before:, is:unread, has:attachment)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app.App) error {
				results, err := a.Agent.Search(cmd.Context(), g.userID, strings.Join(args, " "), limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), results)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of results")
	return cmd
}

func readCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "read <id>",
		Short: "Show a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app.App) error {
				detail, err := a.Agent.Read(cmd.Context(), g.userID, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), detail)
			})
		},
	}
}

func composeCmd(g *globalFlags) *cobra.Command {
	var (
		payload model.ComposePayload
		attach  []string
		inline  []string
	)

	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Stage a draft and print its confirmation token",
		RunE: func(cmd *cobra.Command, args []string) error {
			attachments, err := loadAttachments(attach, inline)
			if err != nil {
				return err
			}
			payload.Attachments = attachments

			return withApp(g, func(a *app.App) error {
				result, err := a.Agent.ComposeDraft(cmd.Context(), g.userID, payload)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&payload.To, "to", nil, "recipient (repeatable)")
	f.StringSliceVar(&payload.Cc, "cc", nil, "carbon-copy recipient (repeatable)")
	f.StringSliceVar(&payload.Bcc, "bcc", nil, "blind-copy recipient (repeatable)")
	f.StringVar(&payload.Subject, "subject", "", "subject line")
	f.StringVar(&payload.TextBody, "text", "", "plain-text body")
	f.StringVar(&payload.HTMLBody, "html", "", "HTML body")
	f.StringSliceVar(&attach, "attach", nil, "file to attach (repeatable)")
	f.StringSliceVar(&inline, "inline", nil, "inline file as cid=path (repeatable)")
	return cmd
}

func sendCmd(g *globalFlags) *cobra.Command {
	var req model.SendRequest

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a staged draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app.App) error {
				result, err := a.Agent.Send(cmd.Context(), g.userID, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVar(&req.DraftID, "draft", "", "draft id returned by compose or reply")
	cmd.Flags().StringVar(&req.ConfirmToken, "token", "", "confirmation token returned with the draft")
	return cmd
}

func replyCmd(g *globalFlags) *cobra.Command {
	var (
		req    model.ReplyRequest
		attach []string
	)

	cmd := &cobra.Command{
		Use:   "reply",
		Short: "Stage a reply to a message or thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			attachments, err := loadAttachments(attach, nil)
			if err != nil {
				return err
			}
			req.Attachments = attachments

			return withApp(g, func(a *app.App) error {
				result, err := a.Agent.Reply(cmd.Context(), g.userID, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.MessageID, "message-id", "", "Message-ID of the message to answer")
	f.StringVar(&req.ThreadID, "thread-id", "", "thread to answer; the newest message is used")
	f.BoolVar(&req.ReplyAll, "all", false, "reply to every recipient")
	f.StringVar(&req.BodyText, "text", "", "plain-text body")
	f.StringVar(&req.BodyHTML, "html", "", "HTML body")
	f.StringSliceVar(&attach, "attach", nil, "file to attach (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("message-id", "thread-id")
	cmd.MarkFlagsOneRequired("message-id", "thread-id")
	return cmd
}

func policyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "policy",
		Short: "Show the current organization policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app.App) error {
				p, err := a.Agent.Policy(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
}

func draftsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "Maintain staged drafts",
	}
	cmd.AddCommand(draftsPurgeCmd(g))
	return cmd
}

func draftsPurgeCmd(g *globalFlags) *cobra.Command {
	var (
		watch       bool
		interval    time.Duration
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !watch {
				return withApp(g, func(a *app.App) error {
					n, err := a.Agent.PurgeDrafts(cmd.Context())
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string]int64{"purged": n})
				})
			}

			reg := prometheus.NewRegistry()
			return withApp(g, func(a *app.App) error {
				return watchPurge(cmd.Context(), a, reg, interval, metricsAddr)
			}, app.WithRegisterer(reg))
		},
	}

	f := cmd.Flags()
	f.BoolVar(&watch, "watch", false, "keep running and purge on an interval")
	f.DurationVar(&interval, "interval", draftsync.DefaultInterval, "purge interval with --watch")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address with --watch")
	return cmd
}

// watchPurge runs the purge loop until interrupted, optionally exposing
// the agent metrics.
func watchPurge(
	ctx context.Context,
	a *app.App,
	reg *prometheus.Registry,
	interval time.Duration,
	metricsAddr string,
) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	purger := draftsync.New(a.Agent, interval, a.Logger)
	purger.Start()
	a.Logger.Info("purging expired drafts", zap.Duration("interval", interval))

	<-ctx.Done()
	purger.Stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("stopping metrics server: %w", err)
		}
	}
	return nil
}

func settingsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Edit organization settings stored in the database",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store a setting",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(g, func(a *app.App) error {
					return a.Store.SetSetting(cmd.Context(), args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "unset <key>",
			Short: "Remove a setting",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(g, func(a *app.App) error {
					return a.Store.DeleteSetting(cmd.Context(), args[0])
				})
			},
		},
	)
	return cmd
}

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the encryption secret",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "generate",
			Short: "Print a new random secret",
			RunE: func(cmd *cobra.Command, args []string) error {
				secret, err := secretbox.GenerateKey()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), secret)
				return err
			},
		},
		&cobra.Command{
			Use:   "init",
			Short: "Generate a secret and store it in the system keyring",
			RunE: func(cmd *cobra.Command, args []string) error {
				ring, err := credential.Open()
				if err != nil {
					return err
				}
				if _, err := ring.EncryptionSecret(); err == nil {
					return errors.New("an encryption secret is already stored; existing data depends on it")
				} else if !errors.Is(err, credential.ErrNotFound) {
					return err
				}
				secret, err := secretbox.GenerateKey()
				if err != nil {
					return err
				}
				if err := ring.SetEncryptionSecret(secret); err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "encryption secret stored in keyring")
				return err
			},
		},
	)
	return cmd
}

// loadAttachments reads files from disk. Inline entries take the form
// cid=path.
func loadAttachments(paths, inline []string) ([]model.Attachment, error) {
	var out []model.Attachment
	for _, p := range paths {
		a, err := readAttachment(p)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	for _, entry := range inline {
		cid, p, ok := strings.Cut(entry, "=")
		if !ok || cid == "" || p == "" {
			return nil, fmt.Errorf("inline attachment %q must be cid=path", entry)
		}
		a, err := readAttachment(p)
		if err != nil {
			return nil, err
		}
		a.Inline = true
		a.CID = cid
		out = append(out, a)
	}
	return out, nil
}

func readAttachment(path string) (model.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("reading attachment: %w", err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return model.Attachment{
		Filename:    filepath.Base(path),
		Content:     base64.StdEncoding.EncodeToString(data),
		Encoding:    model.EncodingBase64,
		ContentType: contentType,
	}, nil
}
