package site

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrInvalidDomain       = errors.New("invalid domain")
	ErrInvalidRoot         = errors.New("invalid root")
	ErrInvalidPort         = errors.New("invalid port")
	ErrDuplicateDomain     = errors.New("domain already exists")
	ErrRootInUse           = errors.New("root already used by another site")
	ErrPortInUse           = errors.New("port already used by another site")
	ErrDestinationNotEmpty = errors.New("destination is not empty")
	ErrNotFound            = errors.New("site not found")
	ErrNoStartCommand      = errors.New("site has no start command")
)

// PermissionError means the engine could not create or write a directory.
type PermissionError struct {
	Path string
	Hint string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied on %s: %v", e.Path, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// NewPermissionError builds the error with the usual mkdir/chown hint.
func NewPermissionError(path string, err error) *PermissionError {
	return &PermissionError{
		Path: path,
		Hint: fmt.Sprintf("sudo mkdir -p %s && sudo chown $USER %s", path, path),
		Err:  err,
	}
}

// FetchError is a failed initial checkout. Output is the tool's text.
type FetchError struct {
	Repository string
	Output     string
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed: %v: %s", e.Repository, e.Err, strings.TrimSpace(e.Output))
}

func (e *FetchError) Unwrap() error { return e.Err }

// SyncError is a failed update of an existing checkout.
type SyncError struct {
	Path   string
	Output string
	Err    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s failed: %v: %s", e.Path, e.Err, strings.TrimSpace(e.Output))
}

func (e *SyncError) Unwrap() error { return e.Err }

// ReloadError is a failed install or reload of the web server config.
// Output is the external tool's combined output, unmodified.
type ReloadError struct {
	Domain      string
	Output      string
	Remediation string
	Err         error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("reload for %s failed: %v: %s", e.Domain, e.Err, strings.TrimSpace(e.Output))
}

func (e *ReloadError) Unwrap() error { return e.Err }

// StartError is recorded on a process that never launched.
type StartError struct {
	Domain  string
	Command string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s (%s): %v", e.Domain, e.Command, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Code returns the stable taxonomy name of err, "internal" when unknown.
func Code(err error) string {
	var (
		permErr   *PermissionError
		fetchErr  *FetchError
		syncErr   *SyncError
		reloadErr *ReloadError
		startErr  *StartError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidDomain):
		return "invalid_domain"
	case errors.Is(err, ErrInvalidRoot):
		return "invalid_root"
	case errors.Is(err, ErrInvalidPort):
		return "invalid_port"
	case errors.Is(err, ErrDuplicateDomain):
		return "duplicate_domain"
	case errors.Is(err, ErrRootInUse):
		return "root_in_use"
	case errors.Is(err, ErrPortInUse):
		return "port_in_use"
	case errors.Is(err, ErrDestinationNotEmpty):
		return "destination_not_empty"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNoStartCommand):
		return "no_start_command"
	case errors.As(err, &permErr):
		return "permission_denied"
	case errors.As(err, &fetchErr):
		return "fetch_failed"
	case errors.As(err, &syncErr):
		return "sync_failed"
	case errors.As(err, &reloadErr):
		return "reload_failed"
	case errors.As(err, &startErr):
		return "start_failed"
	}
	return "internal"
}

// Remediation returns the shell command an operator can run to fix err,
// or "" when there is none.
func Remediation(err error) string {
	var (
		permErr   *PermissionError
		reloadErr *ReloadError
		notEmpty  *DestinationError
	)
	switch {
	case errors.As(err, &notEmpty):
		return fmt.Sprintf("rm -rf %s", notEmpty.Path)
	case errors.As(err, &permErr):
		return permErr.Hint
	case errors.As(err, &reloadErr):
		return reloadErr.Remediation
	}
	return ""
}

// DestinationError names the directory behind ErrDestinationNotEmpty.
type DestinationError struct {
	Path string
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrDestinationNotEmpty, e.Path)
}

func (e *DestinationError) Is(target error) bool { return target == ErrDestinationNotEmpty }

// HTTPStatus maps err onto the status code the API answers with.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case "invalid_domain", "invalid_root", "invalid_port", "no_start_command":
		return http.StatusBadRequest
	case "duplicate_domain", "root_in_use", "port_in_use", "destination_not_empty":
		return http.StatusConflict
	case "not_found":
		return http.StatusNotFound
	case "permission_denied":
		return http.StatusForbidden
	case "fetch_failed", "sync_failed", "reload_failed":
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
