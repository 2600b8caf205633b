package main

import (
	"errors"
	"fmt"

	tea "charm.land/bubbletea/v2"
	"github.com/spf13/cobra"

	"github.com/go-authgate/chat-cli/chat"
	"github.com/go-authgate/chat-cli/tui"
)

var errNotInteractive = errors.New("chat needs an interactive terminal; use `ask` instead")

func newChatCmd(c *cli) *cobra.Command {
	var noStream, plain, fresh bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the interactive chat screen",
		Long: `Open the chat screen. Enter sends, Shift+Enter adds a line,
Esc cancels the reply being written, Ctrl+N starts a new chat and
Ctrl+C quits. The conversation is kept in the history file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !c.prompt.Interactive() || !isTTY(cmd.OutOrStdout()) {
				return errNotInteractive
			}
			return c.runChat(cmd, chatOptions{stream: !noStream, markdown: !plain, fresh: fresh})
		},
	}
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for whole replies instead of streaming them")
	cmd.Flags().BoolVar(&plain, "plain", false, "Show replies as plain text instead of rendered markdown")
	cmd.Flags().BoolVar(&fresh, "new", false, "Start with an empty history")
	return cmd
}

type chatOptions struct {
	stream   bool
	markdown bool
	fresh    bool
}

// runChat shows the chat screen until the user quits. When the session
// expires the screen closes, the user logs in again and the screen reopens
// with the unsent message still in the input box.
func (c *cli) runChat(cmd *cobra.Command, opts chatOptions) error {
	ctx := cmd.Context()
	logger := c.app.logger

	history := chat.NewHistory(c.app.cfg.HistoryFile)
	if opts.fresh {
		if err := history.Clear(); err != nil {
			return err
		}
	}
	msgs, err := history.Load()
	historyWarning := ""
	if err != nil {
		logger.Debug().Err(err).Str("path", history.Path()).Msg("history load failed")
		historyWarning = fmt.Sprintf("Starting without chat history: %v", err)
	}

	st, err := c.app.auth.Status(ctx)
	if err != nil {
		return err
	}
	email := ""
	if st.Authenticated && st.User != nil {
		email = st.User.Email
	}
	if !st.Authenticated {
		fmt.Fprintln(cmd.ErrOrStderr(), "Not logged in.")
		user, err := c.relogin(cmd)
		if err != nil {
			return err
		}
		email = user.Email
	}

	pending := ""
	for {
		var display *tui.ProgramDisplayer
		conv := chat.NewConversation(c.app.chat,
			chat.WithStreaming(opts.stream),
			chat.WithMessages(msgs),
			chat.WithConversationLogger(logger),
			chat.WithObserver(func(ev chat.Event) { display.Observe(ev) }),
		)

		m := tui.NewModel(conv,
			tui.WithContext(ctx),
			tui.WithTitle("Chat · "+email),
			tui.WithMarkdown(opts.markdown),
			tui.WithInput(pending),
		)
		p := tea.NewProgram(m, tea.WithInput(cmd.InOrStdin()), tea.WithOutput(cmd.OutOrStdout()))
		display = tui.NewProgramDisplayer(p)
		c.app.OnSessionExpired(func(error) { display.SessionExpired() })
		go func(warning string) {
			display.Status(true, email)
			if warning != "" {
				display.Warn(warning)
			}
		}(historyWarning)
		historyWarning = ""

		final, runErr := p.Run()
		c.app.OnSessionExpired(nil)
		msgs = conv.Messages()
		if err := history.Save(msgs); err != nil {
			logger.Debug().Err(err).Str("path", history.Path()).Msg("history save failed")
			c.displayer(cmd).Warn(fmt.Sprintf("Chat history was not saved: %v", err))
		}
		if runErr != nil {
			return fmt.Errorf("chat screen failed: %w", runErr)
		}

		fm, ok := final.(tui.Model)
		if !ok || !fm.SessionExpired() {
			return nil
		}

		pending = fm.PendingInput()
		msgs = dropUnanswered(msgs, pending)
		c.displayer(cmd).SessionExpired()
		user, err := c.relogin(cmd)
		if err != nil {
			return err
		}
		email = user.Email
	}
}

// dropUnanswered removes the trailing user message that is about to be
// offered again in the input box.
func dropUnanswered(msgs []chat.Message, pending string) []chat.Message {
	if n := len(msgs); n > 0 && pending != "" &&
		msgs[n-1].Author == chat.User && msgs[n-1].Text == pending {
		return msgs[:n-1]
	}
	return msgs
}
