package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/user/termlink/internal/api"
	"github.com/user/termlink/internal/registry"
	"github.com/user/termlink/internal/session"
)

const maxResponseBody = 4 << 20

// endpoint builds URLs for one remote host.
type endpoint struct {
	host   string
	port   int
	secure bool
}

func endpointFor(p *registry.Profile) endpoint {
	return endpoint{host: p.Host, port: p.Port, secure: p.Secure}
}

func (e endpoint) httpURL(path string) string {
	scheme := "http"
	if e.secure {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(e.host, strconv.Itoa(e.port)), Path: path}
	return u.String()
}

func (e endpoint) streamURL() string {
	scheme := "ws"
	if e.secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(e.host, strconv.Itoa(e.port)), Path: "/ws"}
	return u.String()
}

// sideChannel talks to the host's request/response API.
type sideChannel struct {
	http *http.Client
}

func (s sideChannel) do(ctx context.Context, method, target, token string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// doJSON fails with *ActionError on non-2xx statuses.
func (s sideChannel) doJSON(ctx context.Context, method, target, token string, body, dst any) error {
	status, data, err := s.do(ctx, method, target, token, body)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return &ActionError{Status: status, Body: data}
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (s sideChannel) pair(ctx context.Context, ep endpoint, code, label string) (api.TokenResponse, error) {
	var out api.TokenResponse
	err := s.doJSON(ctx, http.MethodPost, ep.httpURL("/api/pair"), "", map[string]string{"code": code, "label": label}, &out)
	return out, err
}

func (s sideChannel) refresh(ctx context.Context, ep endpoint, token string) (api.TokenResponse, error) {
	var out api.TokenResponse
	err := s.doJSON(ctx, http.MethodPost, ep.httpURL("/api/token/refresh"), token, nil, &out)
	return out, err
}

func (s sideChannel) state(ctx context.Context, ep endpoint, token string) (session.State, error) {
	var out session.State
	err := s.doJSON(ctx, http.MethodGet, ep.httpURL("/api/state"), token, nil, &out)
	return out, err
}

func (s sideChannel) action(ctx context.Context, ep endpoint, token string, action any) ([]byte, error) {
	status, data, err := s.do(ctx, http.MethodPost, ep.httpURL("/api/actions"), token, action)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, &ActionError{Status: status, Body: data}
	}
	return data, nil
}
