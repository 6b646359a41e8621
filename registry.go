// Copyright (C) 2022  Shanhu Tech Inc.
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the
// Free Software Foundation, either version 3 of the License, or (at your
// option) any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE.  See the GNU Affero General Public License
// for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package hoist

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"golang.org/x/sync/singleflight"
	"shanhu.io/misc/errcode"
)

// Registry authentication strategies.
const (
	StrategyBasic = "basic"
	StrategyToken = "token"
)

// RegistryConfig describes how to reach a registry. Option values may
// reference config entries.
//
// The basic strategy reads options "host", "username" and "password". The
// token strategy reads "url" of the token service, an optional
// "authorization" header value and the required "host" that image
// references use. Login goes to the endpoint designated by the token
// service, or to "host" when the token names none.
type RegistryConfig struct {
	Strategy string            `yaml:"strategy"`
	Options  map[string]string `yaml:"options"`
}

// Registry is a named remote image store.
type Registry interface {
	// Name is the name of the registry descriptor.
	Name() string

	// Host is the registry host that image references use.
	Host() string

	// Login authenticates the container engine against the registry.
	Login(ctx context.Context) error
}

// RegistryToken is a short-lived credential issued by a token service.
type RegistryToken struct {
	Username string
	Password string
	Endpoint string
}

// TokenSource issues registry tokens.
type TokenSource interface {
	Token(ctx context.Context) (*RegistryToken, error)
}

// Registries is the process-wide set of registry clients. Clients are
// created on first use and cached by registry name.
type Registries struct {
	config  *Config
	engine  Engine
	configs map[string]*RegistryConfig

	mu       sync.Mutex
	clients  map[string]Registry
	loggedIn map[string]bool

	logins singleflight.Group
}

// NewRegistries creates the registry set from registry descriptors.
func NewRegistries(
	config *Config, configs map[string]*RegistryConfig, engine Engine,
) *Registries {
	if configs == nil {
		configs = make(map[string]*RegistryConfig)
	}
	return &Registries{
		config:   config,
		engine:   engine,
		configs:  configs,
		clients:  make(map[string]Registry),
		loggedIn: make(map[string]bool),
	}
}

// Has checks if a registry descriptor exists.
func (r *Registries) Has(name string) bool {
	_, ok := r.configs[name]
	return ok
}

// ForRegistry returns the cached client of the registry, creating it on
// the first call.
func (r *Registries) ForRegistry(name string) (Registry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[name]; ok {
		return c, nil
	}
	config, ok := r.configs[name]
	if !ok {
		return nil, errcode.InvalidArgf("unknown registry %q", name)
	}
	c, err := r.newRegistry(name, config)
	if err != nil {
		return nil, errcode.Annotatef(err, "create registry %q", name)
	}
	r.clients[name] = c
	return c, nil
}

// ForImage returns the name of the registry descriptor whose host serves
// the image reference.
func (r *Registries) ForImage(image string) (string, bool, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return "", false, errcode.InvalidArgf("invalid image %q: %s", image, err)
	}
	host := ref.Context().RegistryStr()
	var names []string
	for n := range r.configs {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		c, err := r.ForRegistry(n)
		if err != nil {
			return "", false, err
		}
		if c.Host() == host {
			return n, true, nil
		}
	}
	return "", false, nil
}

// Login logs in to the named registry once for the process. Concurrent
// logins to the same registry share one attempt.
func (r *Registries) Login(ctx context.Context, name string) error {
	c, err := r.ForRegistry(name)
	if err != nil {
		return err
	}

	_, err, _ = r.logins.Do(name, func() (interface{}, error) {
		r.mu.Lock()
		done := r.loggedIn[name]
		r.mu.Unlock()
		if done {
			return nil, nil
		}
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.loggedIn[name] = true
		r.mu.Unlock()
		return nil, nil
	})
	return err
}

func (r *Registries) option(config *RegistryConfig, k string) (string, error) {
	v, ok := config.Options[k]
	if !ok {
		return "", nil
	}
	return r.config.Resolve(v)
}

func registryHost(host string) (string, error) {
	if host == "" {
		return name.DefaultRegistry, nil
	}
	reg, err := name.NewRegistry(host)
	if err != nil {
		return "", errcode.InvalidArgf("invalid registry host %q: %s", host, err)
	}
	return reg.RegistryStr(), nil
}

func (r *Registries) newRegistry(n string, config *RegistryConfig) (
	Registry, error,
) {
	host, err := r.option(config, "host")
	if err != nil {
		return nil, err
	}

	switch config.Strategy {
	case StrategyBasic, "":
		h, err := registryHost(host)
		if err != nil {
			return nil, err
		}
		return &basicRegistry{
			name:   n,
			host:   h,
			config: config,
			r:      r,
		}, nil
	case StrategyToken, "ecr":
		u, err := r.option(config, "url")
		if err != nil {
			return nil, err
		}
		if u == "" {
			return nil, errcode.InvalidArgf("token service url missing")
		}
		if host == "" {
			return nil, errcode.InvalidArgf(
				"registry %q: token strategy requires host", n,
			)
		}
		h, err := registryHost(host)
		if err != nil {
			return nil, err
		}
		authz, err := r.option(config, "authorization")
		if err != nil {
			return nil, err
		}
		return &tokenRegistry{
			name:   n,
			host:   h,
			engine: r.engine,
			source: &httpTokenSource{
				url:           u,
				authorization: authz,
				client:        http.DefaultClient,
			},
		}, nil
	}
	return nil, errcode.InvalidArgf("unknown strategy %q", config.Strategy)
}

type basicRegistry struct {
	name   string
	host   string
	config *RegistryConfig
	r      *Registries
}

func (b *basicRegistry) Name() string { return b.name }
func (b *basicRegistry) Host() string { return b.host }

func (b *basicRegistry) Login(ctx context.Context) error {
	user, err := b.r.option(b.config, "username")
	if err != nil {
		return err
	}
	pass, err := b.r.option(b.config, "password")
	if err != nil {
		return err
	}
	if user == "" || pass == "" {
		return errcode.InvalidArgf(
			"registry %q: username and password are required", b.name,
		)
	}

	basic := &authn.Basic{Username: user, Password: pass}
	auth, err := basic.Authorization()
	if err != nil {
		return errcode.Annotate(err, "basic authorization")
	}
	return b.r.engine.Login(ctx, b.host, auth)
}

type tokenRegistry struct {
	name   string
	host   string
	engine Engine
	source TokenSource
}

func (t *tokenRegistry) Name() string { return t.name }

func (t *tokenRegistry) Host() string { return t.host }

func (t *tokenRegistry) Login(ctx context.Context) error {
	tok, err := t.source.Token(ctx)
	if err != nil {
		return errcode.Annotatef(err, "get token for registry %q", t.name)
	}
	endpoint := tok.Endpoint
	if endpoint == "" {
		endpoint = t.host
	}
	auth := &authn.AuthConfig{
		Username: tok.Username,
		Password: tok.Password,
	}
	return t.engine.Login(ctx, endpoint, auth)
}

type authorizationData struct {
	AuthorizationToken string `json:"authorizationToken"`
	ProxyEndpoint      string `json:"proxyEndpoint"`
}

type authorizationResponse struct {
	AuthorizationData []*authorizationData `json:"authorizationData"`
}

// httpTokenSource fetches tokens from a token service over HTTP. The
// token embeds the base64 encoded "username:password" pair.
type httpTokenSource struct {
	url           string
	authorization string
	client        *http.Client
}

func (s *httpTokenSource) Token(ctx context.Context) (*RegistryToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, nil)
	if err != nil {
		return nil, errcode.Annotate(err, "make request")
	}
	if s.authorization != "" {
		req.Header.Set("Authorization", s.authorization)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errcode.Annotate(err, "request token")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token service: %s", resp.Status)
	}

	data := new(authorizationResponse)
	if err := json.NewDecoder(resp.Body).Decode(data); err != nil {
		return nil, errcode.Annotate(err, "decode token response")
	}
	if len(data.AuthorizationData) == 0 {
		return nil, errcode.Internalf("token service returned no token")
	}
	return decodeRegistryToken(data.AuthorizationData[0])
}

func decodeRegistryToken(d *authorizationData) (*RegistryToken, error) {
	bs, err := base64.StdEncoding.DecodeString(d.AuthorizationToken)
	if err != nil {
		return nil, errcode.Annotate(err, "decode token")
	}
	user, pass, ok := strings.Cut(string(bs), ":")
	if !ok {
		return nil, errcode.Internalf("token has no credential pair")
	}
	endpoint := strings.TrimPrefix(d.ProxyEndpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return &RegistryToken{
		Username: user,
		Password: pass,
		Endpoint: strings.TrimSuffix(endpoint, "/"),
	}, nil
}
