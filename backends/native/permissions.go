package native

import (
	"context"
	"strings"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/internal/util"
	"github.com/puzpuzpuz/xsync/v4"
)

// PermissionState is the access decision recorded for a handle.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionPrompt  PermissionState = "prompt"
	PermissionDenied  PermissionState = "denied"
)

// Prompter asks the user for access to a path. It is only consulted for
// contexts carrying a user gesture.
type Prompter interface {
	RequestPermission(ctx context.Context, p projectfs.Path, writable bool) (PermissionState, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, p projectfs.Path, writable bool) (PermissionState, error)

func (f PrompterFunc) RequestPermission(ctx context.Context, p projectfs.Path, writable bool) (PermissionState, error) {
	return f(ctx, p, writable)
}

// permissionTable records per-handle decisions. A path without an entry
// inherits from its nearest ancestor; the root falls back to the default.
type permissionTable struct {
	entries  *xsync.Map[string, PermissionState]
	fallback PermissionState
	prompter Prompter
}

func newPermissionTable(fallback PermissionState, prompter Prompter) *permissionTable {
	return &permissionTable{
		entries:  xsync.NewMap[string, PermissionState](),
		fallback: fallback,
		prompter: prompter,
	}
}

func permissionKey(p projectfs.Path, writable bool) string {
	mode := "r"
	if writable {
		mode = "rw"
	}
	return mode + ":" + strings.Join(p, "\x00")
}

// set records state for p. A write grant implies read access.
func (t *permissionTable) set(p projectfs.Path, writable bool, state PermissionState) {
	t.entries.Store(permissionKey(p, writable), state)
	if writable && state == PermissionGranted {
		t.entries.Store(permissionKey(p, false), state)
	}
}

// state returns the effective decision for p.
func (t *permissionTable) state(p projectfs.Path, writable bool) PermissionState {
	for i := len(p); i >= 0; i-- {
		if s, ok := t.entries.Load(permissionKey(p[:i], writable)); ok {
			return s
		}
	}
	return t.fallback
}

// request resolves access to p, prompting when allowed to.
func (t *permissionTable) request(ctx context.Context, p projectfs.Path, req projectfs.PermissionRequest) (bool, error) {
	logger := util.GetLogger("Native.Permissions")

	state := t.state(p, req.Writable)
	if state != PermissionPrompt {
		return state == PermissionGranted, nil
	}
	if !req.Prompt || !projectfs.HasUserGesture(ctx) || t.prompter == nil {
		return false, nil
	}

	decided, err := t.prompter.RequestPermission(ctx, p, req.Writable)
	if err != nil {
		return false, err
	}
	logger.Debug().Stringer("path", p).Bool("writable", req.Writable).Str("state", string(decided)).Msg("Permission prompt answered")
	if decided != PermissionPrompt {
		t.set(p, req.Writable, decided)
	}
	return decided == PermissionGranted, nil
}
