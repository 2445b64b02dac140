package classify

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"regexp"

	"golang.org/x/sys/unix"

	"github.com/jamesainslie/replica/pkg/replica/copier"
	"github.com/jamesainslie/replica/pkg/replica/retry"
	"github.com/jamesainslie/replica/pkg/replica/verify"
)

type categoryPatterns struct {
	category Category
	patterns []*regexp.Regexp
}

func mustCompileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile("(?i)" + e)
	}
	return out
}

// messagePatterns is checked in order; the first category with a matching
// pattern wins. Integrity and permission problems come first because their
// messages usually also name a file.
var messagePatterns = []categoryPatterns{
	{CategoryVerification, mustCompileAll(
		`hash mismatch`, `checksum`, `digest`, `verification failed`, `integrity`,
		`size mismatch`, `corrupt`,
	)},
	{CategoryPermission, mustCompileAll(
		`permission denied`, `access (is )?denied`, `operation not permitted`,
		`unauthori[sz]ed`, `read-only file system`,
	)},
	{CategoryResource, mustCompileAll(
		`no space left`, `disk (is )?full`, `quota exceeded`, `out of memory`,
		`cannot allocate memory`, `too many open files`, `insufficient (space|storage|resources)`,
	)},
	{CategoryNetwork, mustCompileAll(
		`network`, `connection (refused|reset|timed out|aborted)`, `no route to host`,
		`host (is )?(down|unreachable)`, `broken pipe`, `i/o timeout`,
		`stale (nfs )?file handle`, `no such host`,
	)},
	{CategoryConfiguration, mustCompileAll(
		`config`, `invalid (setting|option|destination)`, `not configured`, `missing required`,
	)},
	{CategoryFileSystem, mustCompileAll(
		`no such file`, `not found`, `file exists`, `is a directory`, `not a directory`,
		`resource busy`, `being used by another process`, `sharing violation`,
		`input/output error`, `i/o error`, `locked`, `directory not empty`,
	)},
	{CategoryService, mustCompileAll(
		`circuit breaker`, `service unavailable`, `unavailable`,
	)},
	{CategoryProcess, mustCompileAll(
		`stalled`, `exit status`, `signal: killed`, `process`,
	)},
}

// categorizeTyped inspects the error chain for typed causes.
func categorizeTyped(err error) (Category, bool) {
	switch {
	case errors.Is(err, verify.ErrMismatch):
		return CategoryVerification, true
	case errors.Is(err, copier.ErrLengthMismatch):
		return CategoryFileSystem, true
	case errors.Is(err, retry.ErrCircuitOpen):
		return CategoryService, true
	case errors.Is(err, copier.ErrInsufficientSpace),
		errors.Is(err, unix.ENOSPC), errors.Is(err, unix.EDQUOT),
		errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE), errors.Is(err, unix.ENOMEM):
		return CategoryResource, true
	case errors.Is(err, fs.ErrPermission), errors.Is(err, unix.EACCES),
		errors.Is(err, unix.EPERM), errors.Is(err, unix.EROFS):
		return CategoryPermission, true
	case errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.ECONNREFUSED),
		errors.Is(err, unix.ETIMEDOUT), errors.Is(err, unix.EHOSTDOWN),
		errors.Is(err, unix.EHOSTUNREACH), errors.Is(err, unix.ENETUNREACH),
		errors.Is(err, unix.ESTALE):
		return CategoryNetwork, true
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryProcess, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork, true
	}

	var pathErr *fs.PathError
	var linkErr *os.LinkError
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrExist) ||
		errors.As(err, &pathErr) || errors.As(err, &linkErr) {
		return CategoryFileSystem, true
	}
	return CategoryUnknown, false
}

// categorizeMessage is the fallback for errors that carry no typed cause,
// such as messages from external tools.
func categorizeMessage(msg string) Category {
	for _, cp := range messagePatterns {
		for _, re := range cp.patterns {
			if re.MatchString(msg) {
				return cp.category
			}
		}
	}
	return CategoryUnknown
}

// Categorize returns the category for err without recording anything.
func Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if c, ok := categorizeTyped(err); ok {
		return c
	}
	return categorizeMessage(err.Error())
}
