package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	terrors "github.com/vinayprograms/taskforge/errors"
	"github.com/vinayprograms/taskforge/logging"
	"github.com/vinayprograms/taskforge/ratelimit"
)

// Binding pairs a declaration with its implementation. Builtins are
// re-registered on every reload.
type Binding struct {
	Tool Tool
	Impl Implementation
}

// catalog is an immutable snapshot swapped whole on reload.
type catalog struct {
	tools map[string]Tool
	impls map[string]Implementation
}

func newCatalog() *catalog {
	return &catalog{tools: map[string]Tool{}, impls: map[string]Implementation{}}
}

func (c *catalog) clone() *catalog {
	n := newCatalog()
	for k, v := range c.tools {
		n.tools[k] = v
	}
	for k, v := range c.impls {
		n.impls[k] = v
	}
	return n
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Dir holds catalog files. Empty means builtins only.
	Dir string

	// AdminRole bypasses permission checks. Default: admin
	AdminRole string

	// Builtins are bound on construction and on every reload.
	Builtins []Binding

	// Limiter enforces rate_limit_per_min. Default: in-memory limiter.
	Limiter ratelimit.RateLimiter

	Logger *logging.Logger
}

// Registry holds tool declarations and their implementations.
type Registry struct {
	config  RegistryConfig
	logger  *logging.Logger
	limiter ratelimit.RateLimiter

	mu      sync.RWMutex
	current *catalog

	permMu  sync.Mutex
	perms   map[string]bool
	permGen uint64
}

// NewRegistry creates a registry and loads builtins plus the catalog dir.
// Catalog file errors are logged, not returned.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.AdminRole == "" {
		cfg.AdminRole = "admin"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NewMemoryLimiter()
	}
	r := &Registry{
		config:  cfg,
		logger:  cfg.Logger.WithComponent("tools"),
		limiter: cfg.Limiter,
		current: newCatalog(),
		perms:   map[string]bool{},
	}
	r.Reload()
	return r
}

func (r *Registry) snapshot() *catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// List returns tools sorted by name, optionally filtered by category and
// enabled state.
func (r *Registry) List(category string, enabledOnly bool) []Tool {
	c := r.snapshot()
	out := make([]Tool, 0, len(c.tools))
	for _, t := range c.tools {
		if enabledOnly && !t.Enabled {
			continue
		}
		if category != "" && t.Category != category {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a tool declaration.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.snapshot().tools[name]
	return t, ok
}

// Register adds or replaces a tool. impl may be nil for declaration-only
// tools (for example sandbox tools driven by the guard).
func (r *Registry) Register(t Tool, impl Implementation) error {
	if t.Name == "" {
		return terrors.InvalidInput("tool name is required")
	}
	t.applyDefaults()

	r.mu.Lock()
	next := r.current.clone()
	if _, exists := next.tools[t.Name]; exists {
		r.logger.Info("tool_replaced", map[string]interface{}{"tool": t.Name})
	}
	next.tools[t.Name] = t
	if impl != nil {
		next.impls[t.Name] = impl
	} else {
		delete(next.impls, t.Name)
	}
	r.current = next
	r.mu.Unlock()

	r.limiter.SetCapacity(t.Name, t.RateLimitPerMin, time.Minute)
	r.invalidatePermissions()
	return nil
}

// Unregister removes a tool. It reports whether the tool existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	if _, ok := r.current.tools[name]; !ok {
		r.mu.Unlock()
		return false
	}
	next := r.current.clone()
	delete(next.tools, name)
	delete(next.impls, name)
	r.current = next
	r.mu.Unlock()

	r.limiter.SetCapacity(name, 0, 0)
	r.invalidatePermissions()
	return true
}

// Reload rebuilds the whole catalog from builtins and the catalog dir and
// swaps it in at once. Readers see either the old or the new catalog,
// never a mix. It returns the per-file errors that were skipped.
func (r *Registry) Reload() []error {
	next := newCatalog()
	for _, b := range r.config.Builtins {
		t := b.Tool
		t.applyDefaults()
		next.tools[t.Name] = t
		if b.Impl != nil {
			next.impls[t.Name] = b.Impl
		}
	}

	var errs []error
	if r.config.Dir != "" {
		var loaded []Tool
		loaded, errs = LoadCatalog(r.config.Dir)
		for _, t := range loaded {
			next.tools[t.Name] = t
		}
	}
	for _, err := range errs {
		r.logger.Warn("catalog_entry_skipped", map[string]interface{}{"error": err.Error()})
	}

	r.mu.Lock()
	prev := r.current
	r.current = next
	r.mu.Unlock()

	for name := range prev.tools {
		if _, ok := next.tools[name]; !ok {
			r.limiter.SetCapacity(name, 0, 0)
		}
	}
	for _, t := range next.tools {
		r.limiter.SetCapacity(t.Name, t.RateLimitPerMin, time.Minute)
	}
	r.invalidatePermissions()

	r.logger.Info("tools_loaded", map[string]interface{}{"count": len(next.tools), "skipped": len(errs)})
	return errs
}

func (r *Registry) invalidatePermissions() {
	r.permMu.Lock()
	r.perms = map[string]bool{}
	r.permGen++
	r.permMu.Unlock()
}

// CheckPermission reports whether caller may run the tool. Missing or
// disabled tools are never permitted. Decisions are cached per tool and
// caller grants until the next registry mutation.
func (r *Registry) CheckPermission(name string, caller Caller) bool {
	key := name + "|" + caller.grantKey()
	allowed, ok, gen := r.cachedPermission(key)
	if ok {
		return allowed
	}

	t, found := r.Get(name)
	allowed = found && t.Enabled && r.decide(t, caller)
	r.storePermission(key, allowed, gen)
	return allowed
}

// cachedPermission returns the cached decision and the cache generation
// it was read under.
func (r *Registry) cachedPermission(key string) (allowed, ok bool, gen uint64) {
	r.permMu.Lock()
	defer r.permMu.Unlock()
	allowed, ok = r.perms[key]
	return allowed, ok, r.permGen
}

// storePermission caches a decision unless the registry changed since gen
// was read; such a decision may rest on a replaced catalog.
func (r *Registry) storePermission(key string, allowed bool, gen uint64) {
	r.permMu.Lock()
	defer r.permMu.Unlock()
	if gen != r.permGen {
		return
	}
	r.perms[key] = allowed
}

func (r *Registry) decide(t Tool, caller Caller) bool {
	if len(t.RequiredPermissions) == 0 || caller.HasRole(r.config.AdminRole) {
		return true
	}
	held := make(map[string]bool, len(caller.Permissions))
	for _, p := range caller.Permissions {
		held[p] = true
	}
	var missing []string
	for _, p := range t.RequiredPermissions {
		if !held[p] {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		r.logger.SecurityDecision(t.Name, "deny", fmt.Sprintf("caller %s missing %v", caller.ID, missing))
		return false
	}
	return true
}

// Bound reports whether the tool has an implementation.
func (r *Registry) Bound(name string) bool {
	_, ok := r.snapshot().impls[name]
	return ok
}

// Execute runs the tool's implementation under its timeout and rate limit.
// It never returns an error: unknown tools, missing implementations and
// failures come back as unsuccessful Results.
func (r *Registry) Execute(ctx context.Context, name string, params Params, call Call) (res Result) {
	c := r.snapshot()
	t, ok := c.tools[name]
	if !ok {
		return Failure(name, string(terrors.ErrCodeToolNotFound), "tool not found: %s", name)
	}
	impl, ok := c.impls[name]
	if !ok {
		return Failure(name, string(terrors.ErrCodeToolNotFound), "direct execution not implemented for tool %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, t.TimeoutDuration())
	defer cancel()

	if err := r.limiter.Acquire(ctx, name); err != nil && err != ratelimit.ErrResourceUnknown {
		return Failure(name, string(terrors.ErrCodeRateLimit), "rate limit: %v", err)
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			perr := terrors.RecoverPanic(p)
			res = Failure(name, string(terrors.ErrCodePanic), "%v", perr)
		}
		res.Duration = time.Since(start)
	}()

	out, err := impl.Execute(ctx, params, call)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Failure(name, string(terrors.ErrCodeExecutionTimeout), "%s exceeded %s: %v", name, t.TimeoutDuration(), err)
		}
		code := string(terrors.Code(err))
		if code == "" {
			code = string(terrors.ErrCodeStepFailed)
		}
		if code == string(terrors.ErrCodeRateLimit) {
			r.limiter.AnnounceReduced(name, err.Error())
		}
		return Result{Tool: name, Code: code, Error: err.Error(), Output: out}
	}
	return Result{Tool: name, Success: true, Output: out}
}

// Summary describes the catalog for operators.
type Summary struct {
	Total      int            `json:"total_tools"`
	Enabled    int            `json:"enabled_tools"`
	Disabled   int            `json:"disabled_tools"`
	Categories map[string]int `json:"categories"`
	Dir        string         `json:"tools_directory"`
}

// Summary returns counts by state and category.
func (r *Registry) Summary() Summary {
	c := r.snapshot()
	s := Summary{Categories: map[string]int{}, Dir: r.config.Dir}
	for _, t := range c.tools {
		s.Total++
		if t.Enabled {
			s.Enabled++
			s.Categories[t.Category]++
		} else {
			s.Disabled++
		}
	}
	return s
}
