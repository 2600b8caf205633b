package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-authgate/chat-cli/chat"
	"github.com/go-authgate/chat-cli/client"
	"github.com/go-authgate/chat-cli/sse"
	"github.com/go-authgate/chat-cli/tui"
)

// cli carries the state shared by the commands of one invocation.
type cli struct {
	opts   options
	app    *app
	prompt *prompter
}

// execute runs the command line args with the given streams.
func execute(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	c := &cli{}
	root := newRootCmd(c)
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(ctx)
	if c.app != nil {
		if closeErr := c.app.Close(); closeErr != nil {
			c.app.logger.Warn().Err(closeErr).Msg("failed to close token store")
		}
	}
	return err
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "chat-cli",
		Short: "Terminal client for the chat service",
		Long: `chat-cli signs in to the auth service and talks to the chat service,
streaming replies as they are written. Run "chat-cli chat" for the
interactive screen or "chat-cli ask" for one-shot questions.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(&c.opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			c.app, err = newApp(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			// Prompts go to stderr so replies can be piped.
			c.prompt = newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.opts.authURL, "auth-url", "",
		"Auth service URL (default: "+defaultAuthURL+" or AUTH_URL env)")
	flags.StringVar(&c.opts.chatURL, "chat-url", "",
		"Chat service URL (default: "+defaultChatURL+" or CHAT_URL env)")
	flags.StringVar(&c.opts.tokenFile, "token-file", "",
		"Token storage file (default: "+defaultTokenFile+" or TOKEN_FILE env)")
	flags.StringVar(&c.opts.tokenStore, "token-store", "",
		"Durable token store: file or redis (default: file or TOKEN_STORE env)")
	flags.StringVar(&c.opts.redisURL, "redis-url", "",
		"Redis URL for --token-store=redis (or REDIS_URL env)")
	flags.StringVar(&c.opts.historyFile, "history-file", "",
		"Chat history file (default: "+defaultHistoryFile+" or HISTORY_FILE env)")
	flags.StringVar(&c.opts.logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: warn or LOG_LEVEL env)")

	root.AddCommand(
		newLoginCmd(c),
		newRegisterCmd(c),
		newLogoutCmd(c),
		newStatusCmd(c),
		newResetPasswordCmd(c),
		newConfirmResetCmd(c),
		newAskCmd(c),
		newChatCmd(c),
	)
	return root
}

func (c *cli) displayer(cmd *cobra.Command) tui.Displayer {
	return tui.NewPlainDisplayer(cmd.OutOrStdout())
}

func newLoginCmd(c *cli) *cobra.Command {
	var (
		email    string
		remember bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the auth service",
		Long: `Log in with email and password. Missing values are prompted for.
With --remember=false the session only lasts for this process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := c.login(cmd, email, remember)
			return err
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email (prompted when empty)")
	cmd.Flags().BoolVar(&remember, "remember", true, "Keep the session across runs")
	return cmd
}

func (c *cli) login(cmd *cobra.Command, email string, remember bool) (*client.User, error) {
	email, err := c.prompt.required(email, "Email: ")
	if err != nil {
		return nil, err
	}
	password, err := c.prompt.Password("Password: ")
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, errors.New("password cannot be empty")
	}

	user, err := c.app.auth.Login(cmd.Context(), email, password, remember)
	if err != nil {
		return nil, err
	}
	c.displayer(cmd).LoggedIn(user.Name, user.Email, remember)
	return user, nil
}

// relogin asks for fresh credentials after the session expired.
func (c *cli) relogin(cmd *cobra.Command) (*client.User, error) {
	email, err := c.prompt.required("", "Email: ")
	if err != nil {
		return nil, err
	}
	remember, err := c.prompt.Confirm("Remember me?", true)
	if err != nil {
		return nil, err
	}
	return c.login(cmd, email, remember)
}

// withReauth runs fn and, when it fails because the session expired, offers
// an inline login on a terminal and runs fn once more.
func (c *cli) withReauth(cmd *cobra.Command, fn func() error) error {
	err := fn()
	if !errors.Is(err, client.ErrSessionExpired) {
		return err
	}

	c.displayer(cmd).SessionExpired()
	if !c.prompt.Interactive() {
		return err
	}
	if _, err := c.relogin(cmd); err != nil {
		return err
	}
	return fn()
}

func newRegisterCmd(c *cli) *cobra.Command {
	var name, email string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := c.prompt.required(name, "Name: ")
			if err != nil {
				return err
			}
			email, err := c.prompt.required(email, "Email: ")
			if err != nil {
				return err
			}
			password, err := c.prompt.NewPassword()
			if err != nil {
				return err
			}
			if err := c.app.auth.Register(cmd.Context(), name, email, password); err != nil {
				return err
			}
			c.displayer(cmd).Registered(email)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name (prompted when empty)")
	cmd.Flags().StringVar(&email, "email", "", "Account email (prompted when empty)")
	return cmd
}

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The local session is gone even if the server call failed.
			serverErr := c.app.auth.Logout(cmd.Context())
			c.displayer(cmd).LoggedOut(serverErr)
			return nil
		},
	}
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a session is active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := c.app.auth.Status(cmd.Context())
			if err != nil {
				return err
			}
			email := ""
			if st.User != nil {
				email = st.User.Email
			}
			c.displayer(cmd).Status(st.Authenticated, email)
			return nil
		},
	}
}

func newResetPasswordCmd(c *cli) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Request a password reset link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			email, err := c.prompt.required(email, "Email: ")
			if err != nil {
				return err
			}
			if err := c.app.auth.RequestPasswordReset(cmd.Context(), email); err != nil {
				return err
			}
			c.displayer(cmd).ResetRequested(email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email (prompted when empty)")
	return cmd
}

func newConfirmResetCmd(c *cli) *cobra.Command {
	var uid, token string
	cmd := &cobra.Command{
		Use:   "confirm-reset",
		Short: "Set a new password with the values from the reset link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := c.prompt.NewPassword()
			if err != nil {
				return err
			}
			if err := c.app.auth.ConfirmPasswordReset(cmd.Context(), uid, token, password); err != nil {
				return err
			}
			c.displayer(cmd).PasswordChanged()
			return nil
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "User id from the reset link")
	cmd.Flags().StringVar(&token, "token", "", "Token from the reset link")
	_ = cmd.MarkFlagRequired("uid")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newAskCmd(c *cli) *cobra.Command {
	var noStream bool
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return c.withReauth(cmd, func() error {
				return c.ask(cmd, text, !noStream)
			})
		},
	}
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for the whole reply instead of streaming it")
	return cmd
}

func (c *cli) ask(cmd *cobra.Command, text string, stream bool) error {
	d := c.displayer(cmd)

	var (
		outcome sse.Outcome
		printed bool
	)
	conv := chat.NewConversation(c.app.chat,
		chat.WithStreaming(stream),
		chat.WithConversationLogger(c.app.logger),
		chat.WithObserver(func(ev chat.Event) {
			switch ev.Kind {
			case chat.EventDelta:
				printed = true
				d.ReplyDelta(ev.Delta)
			case chat.EventDone:
				outcome = ev.Outcome
			}
		}),
	)

	if _, err := conv.Send(cmd.Context(), text); err != nil {
		if errors.Is(err, client.ErrSessionExpired) {
			return err
		}
		if printed {
			d.ReplyDone("")
		}
		d.ReplyFailed(err)
		return fmt.Errorf("chat request failed: %w", err)
	}
	d.ReplyDone(outcomeNote(outcome))
	return nil
}

// outcomeNote describes a reply that ended without the completion sentinel.
func outcomeNote(o sse.Outcome) string {
	switch o {
	case sse.Truncated:
		return "truncated"
	case sse.Interrupted:
		return "interrupted"
	default:
		return ""
	}
}
