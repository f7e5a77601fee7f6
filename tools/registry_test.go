package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	terrors "github.com/vinayprograms/taskforge/errors"
	"github.com/vinayprograms/taskforge/logging"
	"github.com/vinayprograms/taskforge/ratelimit"
)

func newRegistry(t *testing.T, dir string, builtins ...Binding) *Registry {
	t.Helper()
	return NewRegistry(RegistryConfig{Dir: dir, Builtins: builtins, Logger: logging.Discard()})
}

func guarded(name string, perms ...string) Tool {
	return Tool{Name: name, Description: name, RequiredPermissions: perms, Enabled: true}
}

func TestCheckPermission(t *testing.T) {
	r := newRegistry(t, "")
	r.Register(guarded("open"), nil)
	r.Register(guarded("files", "file_access"), nil)
	r.Register(guarded("both", "file_access", "code_execution"), nil)
	off := guarded("off")
	off.Enabled = false
	r.Register(off, nil)

	reader := Caller{ID: "u1", Permissions: []string{"file_access"}}
	nobody := Caller{ID: "u2"}
	admin := Caller{ID: "u3", Roles: []string{"admin"}}

	tests := []struct {
		tool   string
		caller Caller
		want   bool
	}{
		{"open", nobody, true},
		{"files", reader, true},
		{"files", nobody, false},
		{"both", reader, false},
		{"both", admin, true},
		{"off", admin, false},
		{"missing", admin, false},
	}
	for _, tt := range tests {
		if got := r.CheckPermission(tt.tool, tt.caller); got != tt.want {
			t.Errorf("CheckPermission(%s, %s) = %v, want %v", tt.tool, tt.caller.ID, got, tt.want)
		}
	}
}

func TestCheckPermission_CacheInvalidatedOnMutation(t *testing.T) {
	r := newRegistry(t, "")
	r.Register(guarded("files"), nil)
	caller := Caller{ID: "u1"}

	if !r.CheckPermission("files", caller) {
		t.Fatal("expected allow")
	}
	r.Register(guarded("files", "file_access"), nil)
	if r.CheckPermission("files", caller) {
		t.Fatal("cache not invalidated by Register")
	}
}

func TestCheckPermission_SameIDDifferentGrants(t *testing.T) {
	r := newRegistry(t, "")
	r.Register(guarded("code_runner", "code_execution"), nil)

	admin := Caller{ID: "cli", Roles: []string{"admin"}}
	plain := Caller{ID: "cli"}
	granted := Caller{ID: "cli", Permissions: []string{"code_execution"}}

	if !r.CheckPermission("code_runner", admin) {
		t.Fatal("admin denied")
	}
	if r.CheckPermission("code_runner", plain) {
		t.Fatal("caller without grants reused the admin decision")
	}
	if !r.CheckPermission("code_runner", granted) {
		t.Fatal("granted caller reused the denial")
	}
	if r.CheckPermission("code_runner", plain) {
		t.Fatal("cached denial flipped")
	}
}

func TestCallerGrantKey(t *testing.T) {
	a := Caller{ID: "u", Roles: []string{"b", "a"}, Permissions: []string{"y", "x"}}
	b := Caller{ID: "u", Roles: []string{"a", "b"}, Permissions: []string{"x", "y"}}
	if a.grantKey() != b.grantKey() {
		t.Error("grant order changed the key")
	}
	swapped := Caller{ID: "u", Roles: []string{"x", "y"}, Permissions: []string{"a", "b"}}
	if a.grantKey() == swapped.grantKey() {
		t.Error("roles and permissions must not be interchangeable")
	}
	joined := Caller{ID: "u", Permissions: []string{"x,y"}}
	split := Caller{ID: "u", Permissions: []string{"x", "y"}}
	if joined.grantKey() == split.grantKey() {
		t.Error("distinct permission lists share a key")
	}
}

func TestCheckPermission_StaleDecisionDropped(t *testing.T) {
	r := newRegistry(t, "")
	r.Register(guarded("runner"), nil)
	caller := Caller{ID: "u1"}
	key := "runner|" + caller.grantKey()

	// A decision computed before a reload must not land in the new cache.
	_, _, gen := r.cachedPermission(key)
	r.Register(guarded("runner", "code_execution"), nil)
	r.storePermission(key, true, gen)

	if r.CheckPermission("runner", caller) {
		t.Fatal("decision from the replaced catalog was cached")
	}
}

func TestList(t *testing.T) {
	r := newRegistry(t, "")
	r.Register(Tool{Name: "b", Description: "b", Category: CategoryWeb, Enabled: true}, nil)
	r.Register(Tool{Name: "a", Description: "a", Category: CategoryWeb, Enabled: true}, nil)
	r.Register(Tool{Name: "c", Description: "c", Category: CategoryFileSystem}, nil)

	all := r.List("", false)
	if len(all) != 3 || all[0].Name != "a" || all[2].Name != "c" {
		t.Fatalf("List = %v", all)
	}
	web := r.List(CategoryWeb, true)
	if len(web) != 2 {
		t.Fatalf("web = %v", web)
	}
	if got := r.List("", true); len(got) != 2 {
		t.Fatalf("enabled = %v", got)
	}
}

func TestUnregister(t *testing.T) {
	r := newRegistry(t, "")
	r.Register(guarded("x"), Func(echo))
	if !r.Unregister("x") {
		t.Fatal("Unregister existing = false")
	}
	if r.Unregister("x") {
		t.Fatal("Unregister missing = true")
	}
	if _, ok := r.Get("x"); ok {
		t.Fatal("tool still present")
	}
}

func TestExecute_Unknown(t *testing.T) {
	r := newRegistry(t, "")
	res := r.Execute(context.Background(), "nope", nil, Call{})
	if res.Success || res.Code != string(terrors.ErrCodeToolNotFound) {
		t.Fatalf("res = %+v", res)
	}
}

func TestExecute_DeclaredWithoutImplementation(t *testing.T) {
	r := newRegistry(t, "")
	r.Register(guarded("declared"), nil)
	res := r.Execute(context.Background(), "declared", nil, Call{})
	if res.Success || res.Code != string(terrors.ErrCodeToolNotFound) {
		t.Fatalf("res = %+v", res)
	}
}

func TestExecute_Success(t *testing.T) {
	r := newRegistry(t, "", Binding{Tool: echoTool(), Impl: Func(echo)})
	res := r.Execute(context.Background(), Echo, Params{"text": "hi"}, Call{})
	if !res.Success || res.Output != "Echo: hi" {
		t.Fatalf("res = %+v", res)
	}
}

func TestExecute_ErrorKeepsCode(t *testing.T) {
	r := newRegistry(t, "")
	r.Register(guarded("bad"), Func(func(context.Context, Params, Call) (interface{}, error) {
		return nil, terrors.InvalidInput("nope")
	}))
	r.Register(guarded("plain"), Func(func(context.Context, Params, Call) (interface{}, error) {
		return nil, errors.New("boom")
	}))

	if res := r.Execute(context.Background(), "bad", nil, Call{}); res.Code != string(terrors.ErrCodeInvalidInput) {
		t.Errorf("bad: %+v", res)
	}
	if res := r.Execute(context.Background(), "plain", nil, Call{}); res.Code != string(terrors.ErrCodeStepFailed) || res.Error != "boom" {
		t.Errorf("plain: %+v", res)
	}
}

func TestExecute_Timeout(t *testing.T) {
	r := newRegistry(t, "")
	slow := guarded("slow")
	slow.Timeout = 1
	r.Register(slow, Func(func(ctx context.Context, _ Params, _ Call) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	res := r.Execute(context.Background(), "slow", nil, Call{})
	if res.Success || res.Code != string(terrors.ErrCodeExecutionTimeout) {
		t.Fatalf("res = %+v", res)
	}
}

func TestExecute_Panic(t *testing.T) {
	r := newRegistry(t, "")
	r.Register(guarded("panics"), Func(func(context.Context, Params, Call) (interface{}, error) {
		panic("kaboom")
	}))
	res := r.Execute(context.Background(), "panics", nil, Call{})
	if res.Success || res.Code != string(terrors.ErrCodePanic) {
		t.Fatalf("res = %+v", res)
	}
}

func TestExecute_RateLimited(t *testing.T) {
	r := newRegistry(t, "")
	tool := guarded("scarce")
	tool.RateLimitPerMin = 1
	tool.Timeout = 1
	r.Register(tool, Func(echo))

	if res := r.Execute(context.Background(), "scarce", Params{"text": "1"}, Call{}); !res.Success {
		t.Fatalf("first call: %+v", res)
	}
	res := r.Execute(context.Background(), "scarce", Params{"text": "2"}, Call{})
	if res.Success || res.Code != string(terrors.ErrCodeRateLimit) {
		t.Fatalf("second call: %+v", res)
	}
}

func TestExecute_UpstreamThrottleReducesCapacity(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	r := NewRegistry(RegistryConfig{Limiter: limiter, Logger: logging.Discard()})
	tool := guarded("api")
	tool.RateLimitPerMin = 40
	r.Register(tool, Func(func(context.Context, Params, Call) (interface{}, error) {
		return nil, terrors.New(terrors.ErrCodeRateLimit, "429 from upstream")
	}))

	res := r.Execute(context.Background(), "api", nil, Call{})
	if res.Code != string(terrors.ErrCodeRateLimit) {
		t.Fatalf("res = %+v", res)
	}
	if c := limiter.GetCapacity("api"); c == nil || c.Total != 20 {
		t.Errorf("capacity = %+v, want 20/min", c)
	}
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "name: a\ndescription: a\nparameters: {type: object}\n")
	r := newRegistry(t, dir, Binding{Tool: echoTool(), Impl: Func(echo)})

	if _, ok := r.Get("a"); !ok {
		t.Fatal("catalog tool not loaded")
	}
	r.Register(guarded("adhoc"), nil)

	os.Remove(filepath.Join(dir, "a.yaml"))
	writeFile(t, dir, "b.yaml", "name: b\ndescription: b\nparameters: {type: object}\n")
	if errs := r.Reload(); len(errs) != 0 {
		t.Fatalf("Reload errs: %v", errs)
	}

	if _, ok := r.Get("a"); ok {
		t.Error("removed tool survived reload")
	}
	if _, ok := r.Get("adhoc"); ok {
		t.Error("ad hoc registration survived reload")
	}
	if _, ok := r.Get("b"); !ok {
		t.Error("new tool missing")
	}
	if !r.Bound(Echo) {
		t.Error("builtin lost its implementation")
	}
}

func TestReload_ConcurrentReaders(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "- {name: a, description: a, parameters: {type: object}}\n- {name: b, description: b, parameters: {type: object}}\n")
	r := newRegistry(t, dir)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if n := len(r.List("", false)); n != 2 {
					t.Errorf("saw partial catalog of %d tools", n)
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		r.Reload()
	}
	close(stop)
	wg.Wait()
}

func TestSummary(t *testing.T) {
	r := newRegistry(t, "")
	r.Register(Tool{Name: "a", Description: "a", Category: CategoryWeb, Enabled: true}, nil)
	r.Register(Tool{Name: "b", Description: "b"}, nil)
	s := r.Summary()
	if s.Total != 2 || s.Enabled != 1 || s.Disabled != 1 || s.Categories[CategoryWeb] != 1 {
		t.Fatalf("Summary = %+v", s)
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	r := newRegistry(t, dir)
	w, err := NewWatcher(r, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.reloaded = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	writeFile(t, dir, "n.yaml", "name: n\ndescription: n\nparameters: {type: object}\n")
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-w.reloaded:
			if _, ok := r.Get("n"); ok {
				return
			}
		case <-deadline:
			t.Fatal("new tool not visible after write")
		}
	}
}
