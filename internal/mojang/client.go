// Package mojang resolves players against the Mojang profile endpoints.
package mojang

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/mc-matrix-bridge/internal/httpc"
	"github.com/park285/mc-matrix-bridge/internal/profile"
)

const (
	DefaultSessionURL = "https://sessionserver.mojang.com"
	DefaultAPIURL     = "https://api.mojang.com"
)

// ErrNotFound is returned when the directory has no such player.
var ErrNotFound = errors.New("mojang: player not found")

type profileResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client implements profile.Directory.
type Client struct {
	session *httpc.Client
	api     *httpc.Client
}

var _ profile.Directory = (*Client)(nil)

// NewClient builds a client; empty URLs use the public endpoints.
func NewClient(sessionURL, apiURL string, timeout time.Duration) *Client {
	if strings.TrimSpace(sessionURL) == "" {
		sessionURL = DefaultSessionURL
	}
	if strings.TrimSpace(apiURL) == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		session: httpc.NewClient(sessionURL, httpc.WithTimeout(timeout), httpc.WithMaxConnsPerHost(8)),
		api:     httpc.NewClient(apiURL, httpc.WithTimeout(timeout), httpc.WithMaxConnsPerHost(8)),
	}
}

// ProfileByUUID looks up a player by undashed UUID.
func (c *Client) ProfileByUUID(ctx context.Context, id string) (profile.Record, error) {
	return c.get(ctx, c.session, "/session/minecraft/profile/"+url.PathEscape(strings.ReplaceAll(id, "-", "")))
}

// ProfileByName looks up a player by current name.
func (c *Client) ProfileByName(ctx context.Context, name string) (profile.Record, error) {
	return c.get(ctx, c.api, "/users/profiles/minecraft/"+url.PathEscape(name))
}

func (c *Client) get(ctx context.Context, hc *httpc.Client, path string) (profile.Record, error) {
	var pr profileResponse
	if err := hc.DoJSON(ctx, fasthttp.MethodGet, path, nil, &pr, true); err != nil {
		if httpc.IsStatus(err, http.StatusNotFound, http.StatusNoContent) {
			return profile.Record{}, ErrNotFound
		}
		return profile.Record{}, fmt.Errorf("mojang %s: %w", path, err)
	}
	// 204 with an empty body leaves pr zero
	if pr.ID == "" {
		return profile.Record{}, ErrNotFound
	}
	return profile.Record{ID: pr.ID, Name: pr.Name}, nil
}
