package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/savaki/archive-relay/internal/errors"
)

const (
	RefTypeBranch = "BRANCH"
	RefTypeTag    = "TAG"
)

// PushEvent is the subset of the Bitbucket Server repo:refs_changed payload
// the relay reads.
type PushEvent struct {
	EventKey   string     `json:"eventKey"`
	Date       string     `json:"date"`
	Actor      *User      `json:"actor,omitempty"`
	Repository Repository `json:"repository"`
	Changes    []Change   `json:"changes"`
}

type User struct {
	Name         string `json:"name"`
	EmailAddress string `json:"emailAddress"`
	DisplayName  string `json:"displayName"`
	Slug         string `json:"slug"`
}

type Repository struct {
	ID      int     `json:"id"`
	Slug    string  `json:"slug"`
	Name    string  `json:"name"`
	Project Project `json:"project"`
}

type Project struct {
	ID   int    `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

type Change struct {
	Ref      Ref    `json:"ref"`
	RefID    string `json:"refId"`
	FromHash string `json:"fromHash"`
	ToHash   string `json:"toHash"`
	Type     string `json:"type"` // ADD, UPDATE, DELETE
}

type Ref struct {
	ID        string `json:"id"`
	DisplayID string `json:"displayId"`
	Type      string `json:"type"` // BRANCH or TAG
}

// RepositoryRef identifies the branch whose archive should be relayed.
type RepositoryRef struct {
	ProjectKey string
	RepoName   string
	Branch     string
}

// ObjectKey returns the storage key {project}/{repo}/{branch}.zip.
func (r RepositoryRef) ObjectKey() string {
	return fmt.Sprintf("%s/%s/%s.zip", r.ProjectKey, r.RepoName, r.Branch)
}

// ParsePushEvent decodes body and checks that every field the relay depends
// on is present.
func ParsePushEvent(body []byte) (*PushEvent, error) {
	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrMalformedEvent, err)
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return &event, nil
}

// Validate reports the first required field that is missing.
func (e *PushEvent) Validate() error {
	switch {
	case len(e.Changes) == 0:
		return fmt.Errorf("%w: changes is empty", errors.ErrMalformedEvent)
	case e.Changes[0].Ref.Type == "":
		return fmt.Errorf("%w: changes[0].ref.type is required", errors.ErrMalformedEvent)
	case e.Changes[0].Ref.DisplayID == "":
		return fmt.Errorf("%w: changes[0].ref.displayId is required", errors.ErrMalformedEvent)
	case e.Repository.Project.Key == "":
		return fmt.Errorf("%w: repository.project.key is required", errors.ErrMalformedEvent)
	case e.Repository.Name == "":
		return fmt.Errorf("%w: repository.name is required", errors.ErrMalformedEvent)
	}
	return nil
}

// BranchRef returns the reference for the first change. Only branch pushes
// are relayed.
func (e *PushEvent) BranchRef() (RepositoryRef, error) {
	if err := e.Validate(); err != nil {
		return RepositoryRef{}, err
	}

	ref := e.Changes[0].Ref
	if ref.Type != RefTypeBranch {
		return RepositoryRef{}, fmt.Errorf("%w: %s", errors.ErrUnsupportedRefType, ref.Type)
	}

	return RepositoryRef{
		ProjectKey: e.Repository.Project.Key,
		RepoName:   e.Repository.Name,
		Branch:     ref.DisplayID,
	}, nil
}
