package remote

import (
	"errors"

	"github.com/brettbedarf/projectfs"
)

// Operation names on the wire.
const (
	opHello         = "hello"
	opGetPermission = "getPermission"
	opReadDir       = "readDir"
	opCreateDir     = "createDir"
	opReadFile      = "readFile"
	opWriteFile     = "writeFile"
	opMove          = "move"
	opDelete        = "delete"
	opRootName      = "rootName"
	opSetRootName   = "setRootName"
	opSuggestCheck  = "suggestCheckExternalChanges"
)

// request is sent by the client. ID correlates the response.
type request struct {
	ID          uint64         `json:"id"`
	Op          string         `json:"op"`
	Path        projectfs.Path `json:"path,omitempty"`
	To          projectfs.Path `json:"to,omitempty"`
	Data        []byte         `json:"data,omitempty"`
	Recursive   bool           `json:"recursive,omitempty"`
	Writable    bool           `json:"writable,omitempty"`
	Prompt      bool           `json:"prompt,omitempty"`
	UserGesture bool           `json:"userGesture,omitempty"`
	Name        string         `json:"name,omitempty"`
}

// response answers a request, or carries a pushed change event when ID is 0.
type response struct {
	ID      uint64                  `json:"id"`
	Error   *wireError              `json:"error,omitempty"`
	Listing *projectfs.DirListing   `json:"listing,omitempty"`
	File    *projectfs.File         `json:"file,omitempty"`
	Bool    bool                    `json:"bool,omitempty"`
	Name    string                  `json:"name,omitempty"`
	Kind    projectfs.BackendKind   `json:"kind,omitempty"`
	Caps    *projectfs.Capabilities `json:"caps,omitempty"`
	Event   *projectfs.ChangeEvent  `json:"event,omitempty"`
}

// wireError carries an error across the connection. Code identifies the
// sentinel so errors.Is keeps working on the client side.
type wireError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Op       string         `json:"op,omitempty"`
	Path     projectfs.Path `json:"path,omitempty"`
	SubPath  projectfs.Path `json:"subPath,omitempty"`
	Expected projectfs.Kind `json:"expected,omitempty"`
	Actual   projectfs.Kind `json:"actual,omitempty"`
}

var errorCodes = []struct {
	code string
	err  error
}{
	{"not_found", projectfs.ErrNotFound},
	{"not_a_directory", projectfs.ErrNotADirectory},
	{"not_a_file", projectfs.ErrNotAFile},
	{"conflicting_kind", projectfs.ErrConflictingKind},
	{"directory_not_empty", projectfs.ErrDirectoryNotEmpty},
	{"invalid_path", projectfs.ErrInvalidPath},
	{"permission_denied", projectfs.ErrPermissionDenied},
	{"store_unavailable", projectfs.ErrStoreUnavailable},
	{"not_implemented", projectfs.ErrNotImplemented},
}

// errRemote is wrapped by failures without a known code.
var errRemote = errors.New("remote error")

func encodeError(err error) *wireError {
	if err == nil {
		return nil
	}
	we := &wireError{Code: "internal", Message: err.Error()}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			we.Code = c.code
			break
		}
	}
	var pe *projectfs.PathError
	if errors.As(err, &pe) {
		we.Op, we.Path, we.SubPath = pe.Op, pe.Path, pe.SubPath
		we.Expected, we.Actual = pe.Expected, pe.Actual
	}
	return we
}

func (we *wireError) decode() error {
	if we == nil {
		return nil
	}
	sentinel := errRemote
	for _, c := range errorCodes {
		if c.code == we.Code {
			sentinel = c.err
			break
		}
	}
	if we.Op == "" {
		if sentinel == errRemote {
			return &remoteError{message: we.Message}
		}
		return sentinel
	}
	return &projectfs.PathError{
		Op:       we.Op,
		Path:     we.Path,
		SubPath:  we.SubPath,
		Expected: we.Expected,
		Actual:   we.Actual,
		Err:      sentinel,
	}
}

// remoteError is a failure the peer reported without a known code.
type remoteError struct {
	message string
}

func (e *remoteError) Error() string { return "remote: " + e.message }
func (e *remoteError) Unwrap() error { return errRemote }
