package installer

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandOpener runs a configured command line. Arguments may contain the
// placeholders {path}, {uri} and {mime}.
type CommandOpener struct {
	Argv []string
}

func (c CommandOpener) Open(ctx context.Context, req OpenRequest) error {
	if len(c.Argv) == 0 {
		return errors.New("install command is empty")
	}
	args := expandArgs(c.Argv, req)
	bin, err := exec.LookPath(args[0])
	if err != nil {
		return fmt.Errorf("install command %q not found: %w", args[0], err)
	}
	return startDetached(exec.Command(bin, args[1:]...))
}

func expandArgs(argv []string, req OpenRequest) []string {
	r := strings.NewReplacer(
		"{path}", req.Ref.Path,
		"{uri}", req.Ref.URI,
		"{mime}", req.MimeType,
	)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}

// startDetached starts cmd without waiting for the installer UI to exit. The
// child is reaped in the background.
func startDetached(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Debug("installer process exited", "error", err)
		}
	}()
	return nil
}

// NewOpener returns a CommandOpener when argv is set and the platform
// opener otherwise.
func NewOpener(argv []string) Opener {
	if len(argv) > 0 {
		return CommandOpener{Argv: argv}
	}
	return ExecOpener{}
}
