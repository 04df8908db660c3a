package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/peterh/liner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-llm-chat/internal/config"
	"github.com/tbourn/go-llm-chat/internal/services"
	"github.com/tbourn/go-llm-chat/internal/sysutil"
)

const chatHelp = `commands:
  /stop             stop the running reply (or press Ctrl-C)
  /regen            regenerate the last reply
  /retry            retry the last failed message
  /edit <n> <text>  replace user message n and regenerate
  /delete <n>       delete message n
  /history          list the conversation
  /save             save the conversation
  /clear            start a new conversation
  /quit             leave`

func newChatCmd() *cobra.Command {
	var (
		sessionID string
		noColor   bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the configured LLM in the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			// Logs go to stderr at warn so they do not interleave with replies.
			sysutil.SetupLogger(os.Stderr, sysutil.FirstNonEmpty(os.Getenv("CHAT_LOG_LEVEL"), "warn"), true)

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, prometheus.NewRegistry(), nil)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			var sess *services.ChatSession
			if sessionID != "" {
				sess, err = a.sessions.Open(ctx, sessionID)
			} else {
				sess, err = a.sessions.Create(ctx)
			}
			if err != nil {
				return err
			}

			line := liner.NewLiner()
			line.SetCtrlCAborts(true)
			history := historyPath()
			if f, err := os.Open(history); err == nil {
				_, _ = line.ReadHistory(f)
				_ = f.Close()
			}
			defer func() {
				if f, err := os.OpenFile(history, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
					_, _ = line.WriteHistory(f)
					_ = f.Close()
				}
				_ = line.Close()
			}()

			out := cmd.OutOrStdout()
			pal := newPalette(lipgloss.NewRenderer(out))
			if noColor {
				pal = plainPalette(out)
			}
			r := newREPL(sess, a.sessions, out, pal)
			fmt.Fprintf(r.out, "session %s, endpoint %s (/help for commands)\n", sess.ID, cfg.LLM.Endpoint)
			r.printHistory()
			return r.run(ctx, line)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume the current conversation of this session id")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "never style output, even on a terminal")
	return cmd
}

func historyPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	dir = filepath.Join(dir, "go-llm-chat")
	_ = os.MkdirAll(dir, 0o700)
	return filepath.Join(dir, "chat_history")
}

// prompter is the part of liner.State the REPL needs.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

type repl struct {
	sess *services.ChatSession
	mgr  *services.SessionManager
	out  io.Writer
	pal  palette

	// interrupt, when set, is fired on Ctrl-C during a reply.
	interrupt chan os.Signal
}

func newREPL(sess *services.ChatSession, mgr *services.SessionManager, out io.Writer, pal palette) *repl {
	return &repl{sess: sess, mgr: mgr, out: out, pal: pal}
}

// palette holds the REPL's styles. They are bound to the renderer of the
// output, so piped output and NO_COLOR get plain text.
type palette struct {
	dim  lipgloss.Style
	fail lipgloss.Style
}

func newPalette(re *lipgloss.Renderer) palette {
	return palette{
		dim:  re.NewStyle().Faint(true).TabWidth(lipgloss.NoTabConversion),
		fail: re.NewStyle().Foreground(lipgloss.Color("1")).TabWidth(lipgloss.NoTabConversion),
	}
}

// paint styles each line on its own; rendering the whole text would pad
// multi-line output into a block.
func paint(st lipgloss.Style, s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = st.Render(l)
		}
	}
	return strings.Join(lines, "\n")
}

// plainPalette never emits escape sequences, whatever the output is.
func plainPalette(out io.Writer) palette {
	re := lipgloss.NewRenderer(out)
	re.SetColorProfile(termenv.Ascii)
	return newPalette(re)
}

// run reads lines until /quit, EOF or Ctrl-C at the prompt.
func (r *repl) run(ctx context.Context, in prompter) error {
	for {
		input, err := in.Prompt("you> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out)
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		in.AppendHistory(input)
		if r.handle(ctx, input) {
			return nil
		}
	}
}

// handle runs one line and reports whether the REPL should exit.
func (r *repl) handle(ctx context.Context, input string) (quit bool) {
	if !strings.HasPrefix(input, "/") {
		r.turn(ctx, func() (<-chan *services.TurnResult, error) { return r.sess.SendMessageAsync(ctx, input) })
		return false
	}

	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(cmd) {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, chatHelp)
	case "/stop":
		r.report(r.sess.Stop())
	case "/regen":
		r.turn(ctx, func() (<-chan *services.TurnResult, error) { return r.sess.RegenerateAsync(ctx) })
	case "/retry":
		r.turn(ctx, func() (<-chan *services.TurnResult, error) { return r.sess.RetryAsync(ctx) })
	case "/edit":
		nStr, text, _ := strings.Cut(rest, " ")
		id, err := r.messageID(nStr)
		if err != nil {
			r.report(err)
			return false
		}
		if err := r.sess.StartEdit(id); err != nil {
			r.report(err)
			return false
		}
		r.turn(ctx, func() (<-chan *services.TurnResult, error) { return r.sess.SaveEditAsync(ctx, id, text) })
	case "/delete":
		id, err := r.messageID(rest)
		if err == nil {
			err = r.sess.DeleteMessage(ctx, id)
		}
		r.report(err)
	case "/history":
		r.printHistory()
	case "/save":
		saved, err := r.mgr.SaveConversation(ctx, r.sess.ID)
		if err != nil {
			r.report(err)
			return false
		}
		fmt.Fprintf(r.out, "saved %q (%s)\n", saved.Title, saved.ID)
	case "/clear":
		r.report(r.mgr.NewConversation(ctx, r.sess.ID))
	default:
		r.report(fmt.Errorf("unknown command %s, try /help", cmd))
	}
	return false
}

// messageID resolves a 1-based position in the conversation.
func (r *repl) messageID(s string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	msgs := r.sess.Messages()
	if err != nil || n < 1 || n > len(msgs) {
		return "", fmt.Errorf("no message %q, the conversation has %d", s, len(msgs))
	}
	return msgs[n-1].ID, nil
}

// turn starts a turn and streams its deltas until it finishes. Ctrl-C stops
// the turn instead of the program.
func (r *repl) turn(ctx context.Context, start func() (<-chan *services.TurnResult, error)) {
	events, unsubscribe := r.sess.Subscribe()
	defer unsubscribe()

	done, err := start()
	if err != nil {
		r.report(err)
		return
	}
	if done == nil {
		fmt.Fprintln(r.out, "nothing changed")
		return
	}

	sig := r.interrupt
	if sig == nil {
		sig = make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		defer signal.Stop(sig)
	}

	pr := &deltaPrinter{out: r.out, dim: r.pal.dim}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Type == services.EventDelta && ev.Buffers != nil {
				pr.update(ev.Buffers.Thinking, ev.Buffers.Response)
			}
		case <-sig:
			_ = r.sess.Stop()
		case <-ctx.Done():
			_ = r.sess.Stop()
		case res := <-done:
			drain(events, pr)
			r.finish(pr, res)
			return
		}
	}
}

// drain renders deltas that were queued before the turn finished.
func drain(events <-chan services.Event, pr *deltaPrinter) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == services.EventDelta && ev.Buffers != nil {
				pr.update(ev.Buffers.Thinking, ev.Buffers.Response)
			}
		default:
			return
		}
	}
}

func (r *repl) finish(pr *deltaPrinter, res *services.TurnResult) {
	if res == nil {
		return
	}
	switch res.Outcome {
	case services.OutcomeFailed:
		pr.newline()
		msg := res.Message.Content
		if res.Classification != nil {
			msg = res.Classification.Message
			if res.Classification.Retryable {
				msg += " (use /retry)"
			}
		}
		fmt.Fprintln(r.out, paint(r.pal.fail, msg))
		log.Debug().Err(res.Err).Msg("turn failed")
	case services.OutcomeStopped:
		pr.newline()
		fmt.Fprintln(r.out, paint(r.pal.dim, res.Message.Content))
	default:
		if strings.HasPrefix(res.Message.Content, pr.response) {
			pr.update(pr.thinking, res.Message.Content)
		}
		pr.newline()
	}
}

func (r *repl) report(err error) {
	if err != nil {
		fmt.Fprintln(r.out, paint(r.pal.fail, "error: "+err.Error()))
	}
}

func (r *repl) printHistory() {
	for i, m := range r.sess.Messages() {
		mark := ""
		if m.Edited {
			mark = " (edited)"
		}
		fmt.Fprintf(r.out, "%2d %s%s: %s\n", i+1, m.Role, mark, m.Content)
	}
}

// deltaPrinter writes only the new suffix of each buffer. A buffer that no
// longer extends what was printed is rewritten on a fresh line.
type deltaPrinter struct {
	out      io.Writer
	dim      lipgloss.Style
	thinking string
	response string
	dirty    bool
}

func (p *deltaPrinter) update(thinking, response string) {
	if thinking != "" && thinking != p.thinking {
		p.thinking = p.write(p.thinking, thinking, true)
	}
	if response != "" && response != p.response {
		if p.response == "" && p.thinking != "" {
			fmt.Fprintln(p.out)
		}
		p.response = p.write(p.response, response, false)
	}
}

func (p *deltaPrinter) write(printed, next string, dim bool) string {
	suffix := next
	if strings.HasPrefix(next, printed) {
		suffix = next[len(printed):]
	} else if printed != "" {
		fmt.Fprintln(p.out)
	}
	if dim {
		suffix = paint(p.dim, suffix)
	}
	fmt.Fprint(p.out, suffix)
	p.dirty = true
	return next
}

func (p *deltaPrinter) newline() {
	if p.dirty {
		fmt.Fprintln(p.out)
		p.dirty = false
	}
}
