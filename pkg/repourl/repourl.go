// Package repourl checks deployment target identifiers before any request is issued.
package repourl

import (
	"errors"
	"regexp"
	"strings"
)

// InvalidMessage is shown next to a non-empty target that is not a GitHub repository URL.
const InvalidMessage = "Enter valid Github Repository URL"

var githubRepoPattern = regexp.MustCompile(`^(?:https?://)?(?:www\.)?github\.com/([^/]+)/([^/]+)(?:/)?$`)

// ErrEmptyURL indicates that no target was supplied.
var ErrEmptyURL = errors.New("repository url is empty")

// ErrInvalidURL indicates that the target is not a GitHub repository URL.
var ErrInvalidURL = errors.New(InvalidMessage)

// Result reports whether a target may be submitted and what, if anything, to show the user.
type Result struct {
	Valid   bool
	Message string
}

// Repository identifies a GitHub repository.
type Repository struct {
	Owner string
	Name  string
}

// String renders the repository as owner/name.
func (r Repository) String() string {
	return r.Owner + "/" + r.Name
}

// ValidationError describes a target rejected before submission.
type ValidationError struct {
	URL     string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Validate checks url against the accepted repository shapes. Empty input
// is invalid without a message so the caller can simply disable submission.
func Validate(url string) Result {
	if strings.TrimSpace(url) == "" {
		return Result{}
	}
	if !githubRepoPattern.MatchString(url) {
		return Result{Valid: false, Message: InvalidMessage}
	}
	return Result{Valid: true}
}

// Check returns a *ValidationError when url may not be submitted.
func Check(url string) error {
	res := Validate(url)
	if res.Valid {
		return nil
	}
	if res.Message == "" {
		return &ValidationError{URL: url, Err: ErrEmptyURL}
	}
	return &ValidationError{URL: url, Message: res.Message, Err: ErrInvalidURL}
}

// Parse extracts the owner and repository name from a valid url.
func Parse(url string) (Repository, error) {
	if err := Check(url); err != nil {
		return Repository{}, err
	}
	m := githubRepoPattern.FindStringSubmatch(url)
	return Repository{Owner: m[1], Name: m[2]}, nil
}
