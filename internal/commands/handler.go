// Package commands implements the chat commands of the tracker bot,
// independent of any chat SDK. A transport decodes an incoming command into
// an Invocation and hands Handle a Replier bound to the conversation.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

// Command names understood by Handle.
const (
	CommandRegister    = "register"
	CommandRefresh     = "refresh"
	CommandStat        = "stat"
	CommandLeaderboard = "leaderboard"
)

// OptionProfileURL is the register command's only option.
const OptionProfileURL = "rematch_url"

// ErrUnknownCommand is returned for command names Handle does not know.
var ErrUnknownCommand = errors.New("unknown command")

// User is a chat user as seen by the transport.
type User struct {
	ID   tracker.PlayerID
	Name string
}

// Invocation is one decoded chat command.
type Invocation struct {
	Command string
	Author  User
	Options map[string]string
	// Subject is the optional user argument of stat.
	Subject *User
}

// Replier sends a message back to where the command came from.
type Replier interface {
	Reply(ctx context.Context, text string) error
}

// Store is the subset of *players.Guard the commands use.
type Store interface {
	Register(ctx context.Context, id tracker.PlayerID, profileURL string) error
	Refresh(ctx context.Context) (tracker.RefreshSummary, error)
	Get(ctx context.Context, id tracker.PlayerID) (tracker.StatsSnapshot, bool, error)
	Leaderboard(ctx context.Context) ([]tracker.StatsSnapshot, error)
}

// Handler dispatches invocations to the store and renders replies.
type Handler struct {
	store  Store
	logger *zap.Logger
	// LeaderboardSize caps the leaderboard reply; zero means 10.
	LeaderboardSize int
}

// New builds a Handler.
func New(store Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, logger: logger.Named("commands")}
}

// Handle runs one command. Errors are returned only when nothing sensible
// could be replied; user mistakes are answered in the reply.
func (h *Handler) Handle(ctx context.Context, inv Invocation, r Replier) error {
	logger := h.logger.With(
		zap.String("command", inv.Command),
		zap.Stringer("author_id", inv.Author.ID),
	)
	switch inv.Command {
	case CommandRegister:
		return h.register(ctx, inv, r, logger)
	case CommandRefresh:
		return h.refresh(ctx, inv, r, logger)
	case CommandStat:
		return h.stat(ctx, inv, r, logger)
	case CommandLeaderboard:
		return h.leaderboard(ctx, r)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, inv.Command)
	}
}

func (h *Handler) register(ctx context.Context, inv Invocation, r Replier, logger *zap.Logger) error {
	url := strings.TrimSpace(inv.Options[OptionProfileURL])
	logger.Info("register command", zap.String("url", url))

	err := h.store.Register(ctx, inv.Author.ID, url)
	var invalid *tracker.InvalidURLError
	switch {
	case errors.As(err, &invalid):
		return r.Reply(ctx, fmt.Sprintf("Try again %s, %s", inv.Author.Name, invalid.Message))
	case err != nil:
		return fmt.Errorf("register %s: %w", inv.Author.ID, err)
	}
	return r.Reply(ctx, fmt.Sprintf("Alright %s, your u.gg page is registered!", inv.Author.Name))
}

func (h *Handler) refresh(ctx context.Context, _ Invocation, r Replier, logger *zap.Logger) error {
	logger.Info("refresh command")
	if err := r.Reply(ctx, "Starting the scrape, this can take a few seconds per player."); err != nil {
		return err
	}
	summary, err := h.store.Refresh(ctx)
	if err != nil {
		logger.Error("refresh command failed", zap.Error(err))
		return r.Reply(ctx, "The scrape could not run, try again later.")
	}
	return r.Reply(ctx, fmt.Sprintf("Scrape done: %d of %d profiles up to date.", summary.Succeeded, summary.Targets))
}

func (h *Handler) stat(ctx context.Context, inv Invocation, r Replier, logger *zap.Logger) error {
	subject := inv.Author
	if inv.Subject != nil {
		subject = *inv.Subject
	}
	logger.Info("stat command", zap.Stringer("subject_id", subject.ID))

	snap, ok, err := h.store.Get(ctx, subject.ID)
	if err != nil {
		return fmt.Errorf("stat %s: %w", subject.ID, err)
	}
	if !ok {
		return r.Reply(ctx, fmt.Sprintf("%s is not registered, use the /register command", subject.Name))
	}
	return r.Reply(ctx, fmt.Sprintf("**%s** also known as **%s** is ranked **%s**",
		PrettyName(subject.Name), snap.DisplayName, snap.Rank.String()))
}

func (h *Handler) leaderboard(ctx context.Context, r Replier) error {
	snaps, err := h.store.Leaderboard(ctx)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}
	if len(snaps) == 0 {
		return r.Reply(ctx, "Nobody has stats yet, use /register then /refresh.")
	}
	size := h.LeaderboardSize
	if size <= 0 {
		size = 10
	}
	if len(snaps) > size {
		snaps = snaps[:size]
	}

	var b strings.Builder
	b.WriteString("**Leaderboard**")
	for i, snap := range snaps {
		fmt.Fprintf(&b, "\n%d. **%s** %s (%d wins in %d matches)",
			i+1, snap.DisplayName, snap.Rank.String(), snap.Lifetime.Wins, snap.Lifetime.MatchesPlayed)
	}
	return r.Reply(ctx, b.String())
}

// PrettyName upper-cases the first letter of a chat name.
func PrettyName(name string) string {
	first, size := utf8.DecodeRuneInString(name)
	if first == utf8.RuneError {
		return name
	}
	return string(unicode.ToUpper(first)) + name[size:]
}
