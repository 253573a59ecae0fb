package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jordanhubbard/nyx/pkg/models"
)

func newChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Send commands to a running server interactively",
		Long: `chat opens a websocket session and reads one command per line.

When nyx asks for confirmation answer "yes" or "no", or "correct <module>"
to name the module that should have handled the command. Anything else is
sent as a new command and supersedes the question.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL, err := websocketURL(serverURL)
			if err != nil {
				return err
			}
			header := http.Header{}
			authorize(header)

			conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("failed to connect to %s: %s", wsURL, resp.Status)
				}
				return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
			}
			defer conn.Close()

			return runChat(conn, os.Stdin, cmd.OutOrStdout())
		},
	}
}

// websocketURL maps the server's http(s) URL to its /ws endpoint.
func websocketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func runChat(conn *websocket.Conn, in *os.File, out io.Writer) error {
	lines, out, restore, err := inputLines(in, out)
	if err != nil {
		return err
	}
	defer restore()

	view := &chatView{}
	var mu sync.Mutex // guards writes to out
	printf := func(format string, a ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format, a...)
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			var env models.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				readErr <- err
				return
			}
			if text := view.render(env); text != "" {
				printf("%s", text)
			}
		}
	}()

	for {
		select {
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				printf("server closed the session\n")
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		case line, ok := <-lines:
			if !ok {
				// Let an escalation in flight answer before hanging up.
				select {
				case <-view.settled():
				case <-readErr:
					return nil
				case <-time.After(settleTimeout):
				}
				return conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			event, payload, ok := view.parse(line)
			if !ok {
				continue
			}
			data, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			if err := conn.WriteJSON(models.Envelope{Event: event, Data: data}); err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}
		}
	}
}

// inputLines reads stdin line by line. On a terminal it switches to raw mode
// and uses x/term's line editor; output then goes through the editor so
// server events do not garble the prompt.
func inputLines(in *os.File, out io.Writer) (<-chan string, io.Writer, func(), error) {
	lines := make(chan string)
	fd := int(in.Fd())

	if !term.IsTerminal(fd) {
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(in)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()
		return lines, out, func() {}, nil
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to configure terminal: %w", err)
	}
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{in, out}, "nyx> ")
	go func() {
		defer close(lines)
		for {
			line, err := t.ReadLine()
			if err != nil {
				return
			}
			lines <- line
		}
	}()
	restore := func() { _ = term.Restore(fd, state) }
	return lines, t, restore, nil
}

const settleTimeout = 30 * time.Second

// chatView tracks the outstanding question, the stream being printed and
// whether an escalation is still loading.
type chatView struct {
	mu         sync.Mutex
	feedbackID string
	streamID   string
	printed    string
	loading    chan struct{} // open while the resolver is working
}

// settled returns a channel that is closed once no escalation is loading.
func (v *chatView) settled() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loading == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return v.loading
}

// stopLoading clears the loading state. Callers hold v.mu.
func (v *chatView) stopLoading() {
	if v.loading != nil {
		close(v.loading)
		v.loading = nil
	}
}

// render formats one server event for display. It returns "" for events
// with nothing to show.
func (v *chatView) render(env models.Envelope) string {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch env.Event {
	case models.EventResponse, models.EventAIStream, models.EventRequestFeedback,
		models.EventAnalysisUnknown, models.EventAnalysisError:
		v.stopLoading()
	}

	switch env.Event {
	case models.EventModulesList:
		var names []string
		_ = json.Unmarshal(env.Data, &names)
		return fmt.Sprintf("modules: %s\n", strings.Join(names, ", "))

	case models.EventResponse:
		var p models.ResponsePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return ""
		}
		if p.Module != "" {
			return fmt.Sprintf("[%s] %s\n", p.Module, p.Text)
		}
		return p.Text + "\n"

	case models.EventAIStream:
		var c models.StreamChunk
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return ""
		}
		var b strings.Builder
		if c.ID != v.streamID {
			if v.streamID != "" && v.printed != "" {
				b.WriteString("\n")
			}
			v.streamID, v.printed = c.ID, ""
			fmt.Fprintf(&b, "[%s] ", c.Module)
		}
		// Chunks carry the full text so far; print only what is new.
		if strings.HasPrefix(c.Text, v.printed) {
			b.WriteString(c.Text[len(v.printed):])
			v.printed = c.Text
		}
		if c.Done {
			b.WriteString("\n")
			v.streamID, v.printed = "", ""
		}
		return b.String()

	case models.EventRequestFeedback:
		var req models.FeedbackRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return ""
		}
		v.feedbackID = req.ID
		return fmt.Sprintf("? %s (yes / no / correct <module>)\n", req.Message)

	case models.EventFeedbackReceived:
		var p models.FeedbackReceivedPayload
		_ = json.Unmarshal(env.Data, &p)
		v.feedbackID = ""
		if p.Message == "" {
			return ""
		}
		return p.Message + "\n"

	case models.EventAnalysisStart:
		if v.loading == nil {
			v.loading = make(chan struct{})
		}
		return "thinking...\n"

	case models.EventAnalysisUnknown:
		var p models.AnalysisUnknownPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return ""
		}
		v.feedbackID = p.FeedbackID
		msg := p.Message
		if p.Suggestion.Description != "" {
			msg += " " + p.Suggestion.Description
		}
		return msg + "\n"

	case models.EventAnalysisError:
		return "the resolver is unavailable\n"

	case models.EventModuleReloaded:
		var p models.ModuleReloadedPayload
		_ = json.Unmarshal(env.Data, &p)
		return fmt.Sprintf("module %s reloaded\n", p.Module)
	}
	return ""
}

// parse turns an input line into an outgoing event. Answers are only
// recognized while a question is outstanding.
func (v *chatView) parse(line string) (string, interface{}, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil, false
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	feedbackID := v.feedbackID

	if feedbackID != "" {
		lower := strings.ToLower(line)
		resp := models.FeedbackResponsePayload{FeedbackID: feedbackID}
		switch {
		case lower == "y" || lower == "yes":
			resp.Action = models.ActionConfirm
		case lower == "n" || lower == "no":
			resp.Action = models.ActionReject
		case strings.HasPrefix(lower, "correct "):
			resp.Action = models.ActionCorrect
			resp.CorrectIntent = strings.TrimSpace(line[len("correct "):])
		}
		if resp.Action != "" {
			return models.EventFeedbackResponse, resp, true
		}
	}
	// A new command supersedes the question on the server too.
	v.feedbackID = ""
	return models.EventCommand, models.CommandPayload{Message: line}, true
}
