package supervisor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/ChuLiYu/blockseq/pkg/types"
)

// ExecLauncher runs `<Path> <Args...> --index N --low L --high H` for each
// batch. The watchdog owns termination, so the command is not bound to ctx.
type ExecLauncher struct {
	Path   string
	Args   []string
	Env    []string // appended to the current environment
	Stdout io.Writer
	Stderr io.Writer
}

// SelfLauncher re-executes the running binary with args.
func SelfLauncher(args ...string) (*ExecLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return &ExecLauncher{Path: exe, Args: args, Stdout: os.Stdout, Stderr: os.Stderr}, nil
}

// Command implements Launcher.
func (l *ExecLauncher) Command(_ context.Context, b types.Batch) *exec.Cmd {
	args := append([]string{}, l.Args...)
	args = append(args,
		"--index", strconv.Itoa(b.Index),
		"--low", strconv.Itoa(b.Low),
		"--high", strconv.Itoa(b.High),
	)

	cmd := exec.Command(l.Path, args...)
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	return cmd
}
