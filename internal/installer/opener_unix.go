//go:build !windows

package installer

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// ExecOpener opens the shared copy with the desktop's default handler:
// open(1) on macOS, xdg-open elsewhere.
type ExecOpener struct{}

func (ExecOpener) Open(ctx context.Context, req OpenRequest) error {
	if runtime.GOOS == "darwin" {
		return startDetached(exec.Command("open", req.Ref.Path))
	}

	if err := resolveHandler(ctx, req.MimeType); err != nil {
		return err
	}
	bin, err := exec.LookPath("xdg-open")
	if err != nil {
		return fmt.Errorf("no desktop opener available: %w", err)
	}
	return startDetached(exec.Command(bin, req.Ref.Path))
}

// resolveHandler fails when xdg-mime reports no application for mimeType.
// Without xdg-mime the check is skipped and xdg-open decides.
func resolveHandler(ctx context.Context, mimeType string) error {
	bin, err := exec.LookPath("xdg-mime")
	if err != nil {
		return nil
	}
	out, err := exec.CommandContext(ctx, bin, "query", "default", mimeType).Output()
	if err != nil {
		log.Debug("xdg-mime query failed", "mimeType", mimeType, "error", err)
		return nil
	}
	if strings.TrimSpace(string(out)) == "" {
		return fmt.Errorf("no installer registered for %s", mimeType)
	}
	return nil
}
