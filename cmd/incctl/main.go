// Command incctl is a thin client for exercising an inc server: it
// attaches a single named stream and either writes stdin to it or
// dumps received chunks to stdout.
package main

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/inc-run/inc/cmn/nlog"
	"github.com/inc-run/inc/conn"
	"github.com/inc-run/inc/server"
)

func dialContext(url, secret string) (*server.Context, error) {
	var auth *conn.AuthConfig
	if secret != "" {
		auth = &conn.AuthConfig{Secret: []byte(secret)}
	}
	ctx := server.NewContext(server.ContextConfig{
		URL:                  url,
		Auth:                 auth,
		AutoReconnect:        true,
		ReconnectIntervalMs:  500,
		MaxReconnectAttempts: 5,
	})
	if err := ctx.Connect(); err != nil {
		return nil, err
	}
	return ctx, nil
}

func waitReady(s *server.Stream, timeout time.Duration) error {
	done := make(chan struct{}, 1)
	s.OnReady(func() {
		select {
		case done <- struct{}{}:
		default:
		}
	})
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for stream to attach")
	}
}

func runWrite(url, secret, name string) error {
	ctx, err := dialContext(url, secret)
	if err != nil {
		return err
	}
	defer ctx.Stop()

	s := server.NewStream(name, ctx)
	if err := s.Attach(server.ModeWrite); err != nil {
		return err
	}
	if err := waitReady(s, 5*time.Second); err != nil {
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if _, err := s.Write(scanner.Bytes()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func runRead(url, secret, name string) error {
	ctx, err := dialContext(url, secret)
	if err != nil {
		return err
	}
	defer ctx.Stop()

	s := server.NewStream(name, ctx)
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	s.OnReady(func() {
		for {
			chunk := s.Read()
			if chunk == nil {
				return
			}
			out.Write(chunk)
			out.WriteByte('\n')
			out.Flush()
		}
	})
	if err := s.Attach(server.ModeRead); err != nil {
		return err
	}

	select {} // block forever; kill with ^C
}

func main() {
	var url, secret string

	root := &cobra.Command{Use: "incctl"}
	root.PersistentFlags().StringVar(&url, "url", "tcp://127.0.0.1:7070", "server URL")
	root.PersistentFlags().StringVar(&secret, "secret", "", "shared auth secret")

	writeCmd := &cobra.Command{
		Use:   "write <stream>",
		Short: "attach a write stream and send stdin lines to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(url, secret, args[0])
		},
	}
	readCmd := &cobra.Command{
		Use:   "read <stream>",
		Short: "attach a read stream and print received chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(url, secret, args[0])
		},
	}
	root.AddCommand(writeCmd, readCmd)

	if err := root.Execute(); err != nil {
		nlog.Errorf("incctl: %v", err)
		os.Exit(1)
	}
}
