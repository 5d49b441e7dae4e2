//go:build windows

package installer

import (
	"context"
	"fmt"

	"golang.org/x/sys/windows"
)

// ExecOpener hands the shared copy to the shell, which starts msiexec or
// whichever handler is registered for the file type.
type ExecOpener struct{}

func (ExecOpener) Open(_ context.Context, req OpenRequest) error {
	verb, err := windows.UTF16PtrFromString("open")
	if err != nil {
		return err
	}
	file, err := windows.UTF16PtrFromString(req.Ref.Path)
	if err != nil {
		return err
	}
	if err := windows.ShellExecute(0, verb, file, nil, nil, windows.SW_SHOWNORMAL); err != nil {
		return fmt.Errorf("shell execute %s: %w", req.Ref.Path, err)
	}
	return nil
}
