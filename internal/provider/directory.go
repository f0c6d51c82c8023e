package provider

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aixgo-dev/signup-agent/pkg/dispatch"
	"github.com/aixgo-dev/signup-agent/pkg/mandate"
	"github.com/aixgo-dev/signup-agent/pkg/mcp"
)

type searchInput struct {
	Query    string `json:"query,omitempty" description:"Provider name or part of it"`
	Activity string `json:"activity,omitempty"`
}

// search ranks providers offering the activity. A provider whose name or
// ref contains the query ranks above the rest.
func (s *Simulator) search(_ context.Context, in searchInput) (dispatch.ProviderList, error) {
	if err := s.enter(dispatch.DirectoryProvider, dispatch.OpSearchProviders); err != nil {
		return dispatch.ProviderList{}, err
	}
	query := strings.ToLower(strings.TrimSpace(in.Query))
	activity := strings.ToLower(strings.TrimSpace(in.Activity))

	s.mu.Lock()
	defer s.mu.Unlock()
	out := dispatch.ProviderList{Providers: []dispatch.ProviderMatch{}}
	for _, p := range s.providers {
		if activity != "" && activity != "all" && !slices.Contains(p.Activities, activity) {
			continue
		}
		conf := 0.5
		if query != "" && (strings.Contains(strings.ToLower(p.Name), query) || strings.Contains(p.Ref, query)) {
			conf = 0.9
		}
		out.Providers = append(out.Providers, dispatch.ProviderMatch{Ref: p.Ref, Name: p.Name, City: p.City, Confidence: conf})
	}
	slices.SortFunc(out.Providers, func(a, b dispatch.ProviderMatch) int {
		if a.Confidence != b.Confidence {
			if a.Confidence > b.Confidence {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Ref, b.Ref)
	})
	return out, nil
}

// Directory builds the provider directory server. Searching needs no
// mandate.
func (s *Simulator) Directory(opts ...mcp.ServerOption) (*mcp.Server, error) {
	srv := mcp.NewServer(dispatch.DirectoryProvider, opts...)
	tool := mcp.NewTypedTool(string(dispatch.OpSearchProviders), "Find providers offering an activity", s.search)
	if err := srv.RegisterTypedTool(tool); err != nil {
		return nil, fmt.Errorf("register directory tool: %w", err)
	}
	return srv, nil
}

// Servers builds the directory server followed by one tool server per
// simulated provider.
func (s *Simulator) Servers(v mandate.Verifier, opts ...mcp.ServerOption) ([]*mcp.Server, error) {
	dir, err := s.Directory(opts...)
	if err != nil {
		return nil, err
	}
	servers := []*mcp.Server{dir}
	for _, ref := range s.Refs() {
		srv, err := s.Server(ref, v, opts...)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

// Connect registers the directory and every simulated provider with d over
// the in-process transport.
func Connect(ctx context.Context, d *dispatch.Dispatcher, s *Simulator, v mandate.Verifier, opts ...mcp.ServerOption) (*mcp.Client, error) {
	servers, err := s.Servers(v, opts...)
	if err != nil {
		return nil, err
	}

	client := mcp.NewClient()
	for _, srv := range servers {
		sess, err := client.Connect(ctx, mcp.ServerConfig{Name: srv.Name(), Transport: "local", Server: srv})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect %s: %w", srv.Name(), err)
		}
		d.Register(srv.Name(), sess)
	}
	return client, nil
}

// Handler serves every simulated tool server over HTTP, each under
// /<name>/. The returned configs point a remote agent at them through
// baseURL.
func (s *Simulator) Handler(baseURL string, v mandate.Verifier, opts ...mcp.ServerOption) (http.Handler, []mcp.ServerConfig, error) {
	servers, err := s.Servers(v, opts...)
	if err != nil {
		return nil, nil, err
	}

	base := strings.TrimRight(baseURL, "/")
	r := chi.NewRouter()
	configs := make([]mcp.ServerConfig, 0, len(servers))
	for _, srv := range servers {
		r.Mount("/"+srv.Name(), srv.Handler())
		configs = append(configs, mcp.ServerConfig{Name: srv.Name(), Transport: "http", Address: base + "/" + srv.Name()})
	}
	return r, configs, nil
}
