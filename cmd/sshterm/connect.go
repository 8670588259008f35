package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gluk-w/sshdash/internal/client"
	"github.com/gluk-w/sshdash/internal/resize"
	"github.com/gluk-w/sshdash/internal/session"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

func newConnectCmd(flags *connFlags) *cobra.Command {
	var teardown bool

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open an interactive terminal on the target host",
		Long: "connect attaches the local terminal to a remote shell. Press Ctrl-] to detach; " +
			"the remote session stays alive on the gateway and the next connect to the same target resumes it " +
			"when SSHDASH_SESSION_STORE_DB is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			a, err := dial(ctx, flags, "")
			if err != nil {
				return err
			}
			c := a.client

			ended := make(chan struct{})
			var endOnce sync.Once
			c.OnStatusChange(func(chg session.StatusChange) {
				if chg.To == session.StatusDisconnected {
					endOnce.Do(func() { close(ended) })
				}
			})
			c.OnOutput(func(p []byte) { os.Stdout.Write(p) })
			c.OnErrorOutput(func(p []byte) { os.Stderr.Write(p) })
			c.OnNotice(func(n client.Notice) {
				fmt.Fprintf(os.Stderr, "\r\n[sshterm %s] %s: %s\r\n", n.Time.Format("15:04:05"), n.Kind, n.Message)
			})

			fd := int(os.Stdin.Fd())
			if term.IsTerminal(fd) {
				old, err := term.MakeRaw(fd)
				if err != nil {
					a.finish(ctx, true)
					return fmt.Errorf("raw mode: %w", err)
				}
				defer term.Restore(fd, old)

				if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
					c.Resize(ctx, cols, rows)
				}
				stopWatch := watchWindowSize(func() {
					if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
						c.RequestResize(resize.SourceWindow, cols, rows)
					}
				})
				defer stopWatch()
			}

			detached := make(chan struct{})
			go pumpInput(os.Stdin, c, detached)

			keep := !teardown
			select {
			case <-detached:
				fmt.Fprint(os.Stderr, "\r\n[sshterm] detached\r\n")
			case <-ended:
				keep = true
			case <-ctx.Done():
			}

			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			a.finish(closeCtx, keep)
			return nil
		},
	}
	cmd.Flags().BoolVar(&teardown, "teardown", false, "close the remote session on detach instead of keeping it for resume")
	return cmd
}

// pumpInput forwards stdin to the remote shell until the detach key or EOF.
func pumpInput(r io.Reader, c *client.Client, detached chan<- struct{}) {
	defer close(detached)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for i, b := range chunk {
				if b == detachKey {
					if i > 0 {
						c.SendInput(append([]byte(nil), chunk[:i]...))
					}
					return
				}
			}
			c.SendInput(append([]byte(nil), chunk...))
		}
		if err != nil {
			return
		}
	}
}
