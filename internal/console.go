package internal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/starford/draftsync/internal/models"
	"github.com/starford/draftsync/internal/restclient"
)

// Console commands, one per line:
//
//	save <version_id> <text>     debounced save of the own note; empty text deletes
//	flush                        send pending saves now
//	attach <version_id> <path|url>
//	detach <attachment_id>
//	ack <note_id>                clear a new-note highlight
//	show <version_id>
//	refresh                      retry channels that failed to open
//	logout
const consoleHelp = "commands: save, flush, attach, detach, ack, show, refresh, logout"

// runConsole executes commands read from r until ctx is done. End of input
// only stops reading.
func runConsole(ctx context.Context, r io.Reader, f *follower) error {
	if r == nil {
		<-ctx.Done()
		return nil
	}
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := f.exec(ctx, line); err != nil {
				logCommandError(f.logger, line, err)
			}
		}
	}
}

// logCommandError logs a failed command. A 5xx from the backend is an error,
// anything else is the reviewer's to fix.
func logCommandError(logger *slog.Logger, line string, err error) {
	level := slog.LevelWarn
	if restclient.IsServerError(err) {
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, "command failed",
		slog.String("command", line),
		slog.String("error", err.Error()))
}

// version returns the metadata sent with a save. Without a concrete step the
// backend must already know the version.
func (f *follower) version(id int64) models.Version {
	v := models.Version{ID: id}
	if f.cfg.Scope.StepName != models.AllSteps {
		v.StepName = f.cfg.Scope.StepName
		v.ProjectID = f.cfg.Scope.ProjectID
	}
	return v
}

func (f *follower) exec(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "":
		return nil
	case "save":
		idArg, text, _ := strings.Cut(rest, " ")
		id, err := parseID(idArg)
		if err != nil {
			return err
		}
		f.engine.SaveDebounced(ctx, f.version(id), text)
	case "flush":
		f.engine.FlushPendingSaves()
	case "attach":
		idArg, target, _ := strings.Cut(rest, " ")
		id, err := parseID(idArg)
		if err != nil {
			return err
		}
		return f.attach(ctx, id, strings.TrimSpace(target))
	case "detach":
		id, err := parseID(rest)
		if err != nil {
			return err
		}
		return f.engine.DeleteAttachment(ctx, id)
	case "ack":
		id, err := parseID(rest)
		if err != nil {
			return err
		}
		f.engine.ClearNewNoteFlag(id)
	case "show":
		id, err := parseID(rest)
		if err != nil {
			return err
		}
		f.show(id)
	case "refresh":
		res := f.watcher.Refresh(ctx)
		f.logger.Info("channels refreshed",
			slog.Int("opened", len(res.Opened)),
			slog.Int("failed", len(res.Failed)))
	case "logout":
		f.session.Logout()
	default:
		return fmt.Errorf("unknown command %q (%s)", cmd, consoleHelp)
	}
	return nil
}

func (f *follower) attach(ctx context.Context, versionID int64, target string) error {
	if target == "" {
		return fmt.Errorf("attach: missing path or url")
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return f.engine.UploadAttachments(ctx, versionID, nil, []string{target})
	}
	file, err := os.Open(target)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	defer file.Close()
	return f.engine.UploadAttachments(ctx, versionID,
		[]models.FileUpload{{Name: filepath.Base(target), Body: file}}, nil)
}

func (f *follower) show(versionID int64) {
	snap := f.engine.Snapshot()
	if n, ok := snap.Own(versionID); ok {
		f.logger.Info("own note",
			slog.Int64("version_id", versionID),
			slog.Int64("note_id", n.ID),
			slog.String("content", n.Content),
			slog.Int("attachments", len(n.Attachments)))
	}
	for _, n := range snap.Others(versionID) {
		f.logger.Info("note",
			slog.Int64("version_id", versionID),
			slog.Int64("note_id", n.ID),
			slog.String("owner", n.Owner.Username),
			slog.String("content", n.Content),
			slog.Bool("new", snap.Highlighted(n.ID)))
	}
	f.logger.Info("item",
		slog.Int64("version_id", versionID),
		slog.Bool("has_others", snap.HasOthers(versionID)),
		slog.Bool("pulsing", snap.Pulsing(versionID)))
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
