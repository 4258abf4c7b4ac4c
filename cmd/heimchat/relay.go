package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"

	"github.com/465583030/heim/internal/config"
)

// relays holds the portal clients publishing the local view.
type relays struct {
	clients   []*sdk.RDClient
	listeners []net.Listener
}

func (r *relays) close() {
	if r == nil {
		return
	}
	for _, ln := range r.listeners {
		_ = ln.Close()
	}
	for _, c := range r.clients {
		_ = c.Close()
	}
}

// relayURLs flattens repeated and comma-separated urls.
func relayURLs(raw []string) []string {
	var out []string
	for _, s := range raw {
		for _, p := range strings.Split(s, ",") {
			if u := strings.TrimSpace(p); u != "" {
				out = append(out, u)
			}
		}
	}
	return out
}

// serveRelays publishes handler on every configured relay. It returns a nil
// *relays when none are configured.
func serveRelays(ctx context.Context, cfg *config.Config, handler http.Handler) (*relays, error) {
	urls := relayURLs(cfg.Relay.URLs)
	if len(urls) == 0 {
		return nil, nil
	}

	// Shared credential across all relay listeners
	cred := sdk.NewCredential()
	if cfg.Relay.CredKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.Relay.CredKey)
		if err != nil {
			return nil, fmt.Errorf("decode cred key: %w", err)
		}
		cred, err = cryptoops.NewCredentialFromPrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("new credential from private key: %w", err)
		}
	}

	name := cfg.Relay.Name
	if name == "" {
		name = "heimchat-" + cfg.Room
	}
	r := &relays{}
	for _, u := range urls {
		client, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = []string{u} })
		if err != nil {
			log.Error().Err(err).Str("url", u).Msg("[heimchat] new relay client failed")
			continue
		}
		r.clients = append(r.clients, client)
		ln, err := client.Listen(cred, name, []string{"http/1.1"},
			sdk.WithDescription(cfg.Relay.Description),
			sdk.WithHide(cfg.Relay.Hide),
			sdk.WithOwner(cfg.Relay.Owner),
			sdk.WithTags(cfg.Relay.Tags),
		)
		if err != nil {
			r.close()
			return nil, fmt.Errorf("listen (%s): %w", u, err)
		}
		r.listeners = append(r.listeners, ln)
	}
	if len(r.listeners) == 0 {
		return nil, fmt.Errorf("no relay accepted a listener")
	}

	// Serve over each relay listener
	for i, ln := range r.listeners {
		idx := i
		go func() {
			if err := http.Serve(ln, handler); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
				log.Error().Err(err).Int("listener", idx).Msg("[heimchat] relay http error")
			}
		}()
	}
	log.Info().Msgf("[heimchat] published as %q on %d relay(s)", name, len(r.listeners))
	return r, nil
}
