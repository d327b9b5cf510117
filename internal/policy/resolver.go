package policy

import (
	"context"
	"fmt"
	"log/slog"
)

// Resolver answers destination queries for push items. The local
// container is consulted first and is authoritative for any image it
// knows; only unknown images go to the remote service, whose answers are
// merged back into the container so repeated lookups stay local.
type Resolver struct {
	Client    *Client    // nil means offline: only the container is consulted
	Container *Container // nil means no local mappings
	Logger    *slog.Logger
}

// ResolverOptions configures NewResolver.
type ResolverOptions struct {
	ServerURL  string
	Offline    bool
	Mappings   *Container
	HTTPClient HTTPClient
	Logger     *slog.Logger
}

// NewResolver builds a resolver from run options. Offline mode requires
// pre-loaded mappings since there is nothing else to consult.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	if opts.Offline && opts.Mappings == nil {
		return nil, fmt.Errorf("cannot use offline mode without repo mappings")
	}
	r := &Resolver{
		Container: opts.Mappings,
		Logger:    opts.Logger,
	}
	if !opts.Offline {
		if opts.ServerURL == "" {
			return nil, fmt.Errorf("policy service URL is required unless running offline")
		}
		r.Client = &Client{
			BaseURL:    opts.ServerURL,
			HTTPClient: opts.HTTPClient,
			Logger:     opts.Logger,
		}
	}
	return r, nil
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Resolve returns the first entity answering the query. A miss is
// reported as *NotFoundError, which callers treat as "no targets for
// this item" rather than a failure. Any other error is fatal.
func (r *Resolver) Resolve(ctx context.Context, name, version, workflow, cloud string) (*ResponseEntity, error) {
	if r.Container != nil {
		if local := r.Container.Find(name, version); len(local) > 0 {
			if ent := matchEntity(local, workflow, cloud); ent != nil {
				r.logger().Debug("resolved mappings locally",
					"image", name, "workflow", workflow, "cloud", cloud)
				return ent, nil
			}
			return nil, &NotFoundError{Name: name, Version: version, Workflow: workflow, Cloud: cloud}
		}
	}

	if r.Client == nil {
		return nil, &NotFoundError{Name: name, Version: version, Workflow: workflow, Cloud: cloud}
	}

	entities, err := r.Client.Query(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if len(entities) > 0 && r.Container != nil {
		r.Container.Add(entities...)
	}

	if ent := matchEntity(entities, workflow, cloud); ent != nil {
		r.logger().Debug("resolved mappings from policy service",
			"image", name, "workflow", workflow, "cloud", cloud, "accounts", len(ent.Mappings))
		return ent, nil
	}
	return nil, &NotFoundError{Name: name, Version: version, Workflow: workflow, Cloud: cloud}
}

// ResolveAll returns every entity the policy knows for an image,
// regardless of workflow or cloud. The container-first rule of Resolve
// applies, and service answers merge into the container the same way.
func (r *Resolver) ResolveAll(ctx context.Context, name, version string) ([]ResponseEntity, error) {
	if r.Container != nil {
		if local := r.Container.Find(name, version); len(local) > 0 {
			return local, nil
		}
	}

	if r.Client == nil {
		return nil, &NotFoundError{Name: name, Version: version}
	}
	entities, err := r.Client.Query(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, &NotFoundError{Name: name, Version: version}
	}
	if r.Container != nil {
		r.Container.Add(entities...)
	}
	return entities, nil
}

func matchEntity(entities []ResponseEntity, workflow, cloud string) *ResponseEntity {
	for _, e := range entities {
		if e.Matches(workflow, cloud) {
			ent := e
			return &ent
		}
	}
	return nil
}
