// Package remote is the boundary to the publishing platform API.
//
// The orchestrator drives exactly three publishing calls (create container,
// read container status, publish container) plus a credential probe used by
// the health supervisor. Credentials are read per call from a
// CredentialSource and never cached or persisted here.
package remote

import (
	"context"
	"time"

	"postforge/internal/media"
)

// ContainerStatus is the processing state reported by the remote side.
type ContainerStatus string

const (
	StatusPending    ContainerStatus = "pending"
	StatusInProgress ContainerStatus = "in_progress"
	StatusFinished   ContainerStatus = "finished"
	StatusError      ContainerStatus = "error"
)

// CreateRequest describes one media container to stage remotely.
type CreateRequest struct {
	AccountID string
	Kind      media.Kind
	// Locators are source URLs, ordered. Carousels carry one per child.
	Locators []string
	Caption  string
}

// TokenInfo is what a credential probe learns about an account.
type TokenInfo struct {
	Valid       bool
	Username    string
	Permissions []string
}

// Client is the remote platform API surface consumed by the orchestrator.
//
// All methods honor ctx and return classified *Error values on failure.
type Client interface {
	// CreateContainer stages a new media container and returns its id.
	CreateContainer(ctx context.Context, req CreateRequest) (containerID string, err error)
	// ContainerStatus reads the processing state of a container.
	ContainerStatus(ctx context.Context, accountID, containerID string) (ContainerStatus, error)
	// PublishContainer publishes a finished container and returns the
	// permanent remote media id.
	PublishContainer(ctx context.Context, accountID, containerID string) (remoteMediaID string, err error)
	// VerifyCredentials probes token validity and granted permissions.
	VerifyCredentials(ctx context.Context, accountID string) (TokenInfo, error)
}

// CredentialSource supplies the current bearer credential for an account.
// Implementations must return the freshest token on every call.
type CredentialSource interface {
	AccessToken(accountID string) (string, error)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(accountID string) (string, error)

func (f CredentialFunc) AccessToken(accountID string) (string, error) { return f(accountID) }

// Config for the HTTP client.
type Config struct {
	BaseURL string
	// RequestTimeout bounds one HTTP round trip. Distinct from the per-kind
	// processing timeouts owned by the publish state machine.
	RequestTimeout time.Duration
	// RatePerSec smooths outgoing requests; 0 uses a conservative default.
	RatePerSec int
}
