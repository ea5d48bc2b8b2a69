// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentgate/gateway/policy"
	"agentgate/shared/logger"
)

const shutdownTimeout = 30 * time.Second

// Run is the entry point for the gateway service. It loads configuration
// from the environment, serves the HTTP API and returns after SIGINT or
// SIGTERM once everything has shut down.
func Run() error {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return err
	}

	g, err := New(cfg, WithLogger(logger.New("gateway")))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return g.Serve(ctx)
}

// Serve starts the gateway and its HTTP server and blocks until ctx is
// done or the server fails.
func (g *Gateway) Serve(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return err
	}

	cfg := g.Config()
	if cfg.BootstrapAdmin {
		if err := g.bootstrapAdmin(cfg.BootstrapKeyFile); err != nil {
			if shutdownErr := g.Shutdown(context.Background()); shutdownErr != nil {
				g.log.ErrorWithErr("", "", "shutdown after failed bootstrap", shutdownErr, nil)
			}
			return err
		}
	}

	srv := g.newHTTPServer(cfg.ListenAddr)
	errCh := make(chan error, 1)
	go func() {
		g.log.Info("", "", "agentgate listening", map[string]interface{}{"addr": cfg.ListenAddr})
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		g.log.Info("", "", "shutdown signal received", nil)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		g.log.ErrorWithErr("", "", "http server shutdown failed", err, nil)
	}
	if err := g.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// bootstrapAdmin issues an admin agent so a fresh deployment can be
// administered. The API key goes to keyFile, or to the credential output
// when keyFile is empty. It never reaches the structured log.
func (g *Gateway) bootstrapAdmin(keyFile string) error {
	creds, err := g.IssueCredentials("admin", []string{policy.PermissionAdmin}, systemOrigin)
	if err != nil {
		return fmt.Errorf("failed to bootstrap admin: %w", err)
	}

	destination := "stderr"
	if keyFile != "" {
		destination = keyFile
		err = writeKeyFile(keyFile, creds.APIKey)
	} else {
		_, err = fmt.Fprintf(g.credentialOut, "agentgate bootstrap admin %s api key: %s\n", creds.AgentID, creds.APIKey)
	}
	if err != nil {
		g.agents.Remove(creds.AgentID)
		return fmt.Errorf("failed to write bootstrap admin key: %w", err)
	}

	g.log.Warn(creds.AgentID, systemOrigin, "bootstrap admin credentials issued, store the API key now", map[string]interface{}{
		"written_to": destination,
	})
	return nil
}

func writeKeyFile(path, key string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	// an existing file keeps its old mode on open
	if err := f.Chmod(0600); err != nil {
		f.Close()
		return err
	}
	if _, err := fmt.Fprintln(f, key); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
