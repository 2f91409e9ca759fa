// Package provider defines the interface for email delivery backends and the
// result type they report.
package provider

import (
	"context"
	"fmt"

	"github.com/shineum/graphmailer/internal/email"
)

// Provider is the interface that email delivery backends must implement.
type Provider interface {
	// Send delivers an email message through this provider. Failures are
	// reported in the returned Result, never as a panic or a second value.
	Send(ctx context.Context, msg *email.Email) Result

	// Name returns the human-readable name of this provider.
	Name() string
}

// ErrorKind tells which stage of a send failed.
type ErrorKind int

const (
	// KindMapping means the message could not be translated for the backend.
	KindMapping ErrorKind = iota + 1
	// KindRemoteCall means a call to the remote service failed.
	KindRemoteCall
	// KindUpload means delivering an attachment failed.
	KindUpload
)

func (k ErrorKind) String() string {
	switch k {
	case KindMapping:
		return "mapping"
	case KindRemoteCall:
		return "remote_call"
	case KindUpload:
		return "upload"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Failure is a tagged send error.
type Failure struct {
	Kind ErrorKind
	Err  error
}

func (f *Failure) Error() string {
	return f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Result is the outcome of one send. Exactly one of MessageID and Failure is set.
type Result struct {
	MessageID string
	Failure   *Failure
}

// Success returns a Result carrying the id of the delivered message.
func Success(messageID string) Result {
	return Result{MessageID: messageID}
}

// Fail returns a Result carrying err tagged with kind.
func Fail(kind ErrorKind, err error) Result {
	if err == nil {
		err = fmt.Errorf("%s failure", kind)
	}
	return Result{Failure: &Failure{Kind: kind, Err: err}}
}

// Succeeded reports whether the send completed.
func (r Result) Succeeded() bool {
	return r.Failure == nil
}

// Errors returns the flat list of error messages: nil on success, otherwise
// a single entry holding the failure text.
func (r Result) Errors() []string {
	if r.Failure == nil {
		return nil
	}
	return []string{r.Failure.Error()}
}
