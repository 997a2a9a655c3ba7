package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	readTimeout     = 30 * time.Second
	writeTimeout    = 30 * time.Second
	shutdownTimeout = 30 * time.Second

	gracefulEnvKey   = "STAKELEDGER_GRACEFUL"
	gracefulEnvValue = gracefulEnvKey + "=1"
	// first fd after stdin/stdout/stderr
	inheritedListenerFD = 3
)

// GraceServer serves handler on addr until ctx ends or SIGTERM/SIGINT
// arrives, then drains in-flight requests. SIGUSR2 starts a replacement
// process on the same socket before draining this one.
func GraceServer(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := listen(addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	for {
		select {
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			return drain(srv)
		case sig := <-sigs:
			if sig == syscall.SIGUSR2 {
				pid, err := forkWithListener(ln)
				if err != nil {
					Sugar.Errorf("graceful restart failed, continuing to serve: %v", err)
					continue
				}
				Sugar.Infof("replacement process started pid=%d", pid)
			} else {
				Sugar.Infof("received %s, shutting down", sig)
			}
			return drain(srv)
		}
	}
}

func drain(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	Sugar.Info("http server drained")
	return nil
}

func listen(addr string) (net.Listener, error) {
	if os.Getenv(gracefulEnvKey) != "" {
		ln, err := net.FileListener(os.NewFile(inheritedListenerFD, "listener"))
		if err != nil {
			return nil, fmt.Errorf("inherit listener: %w", err)
		}
		return ln, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

func forkWithListener(ln net.Listener) (int, error) {
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return 0, errors.New("listener is not TCP")
	}
	f, err := tcpLn.File()
	if err != nil {
		return 0, fmt.Errorf("listener file: %w", err)
	}
	defer f.Close()

	env := make([]string, 0, len(os.Environ())+1)
	for _, e := range os.Environ() {
		if e != gracefulEnvValue {
			env = append(env, e)
		}
	}
	env = append(env, gracefulEnvValue)

	return syscall.ForkExec(os.Args[0], os.Args, &syscall.ProcAttr{
		Env:   env,
		Files: []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd(), f.Fd()},
	})
}
