// Package transfer defines the object-store transport contract and the
// per-slice transfer handle driven by the batch uploader.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Target describes where and how one slice is written.
type Target struct {
	Bucket               string
	Key                  string
	ACL                  string
	ServerSideEncryption string // "" when the object is not encrypted at rest
	ContentDisposition   string
	Concurrency          int // parallel part uploads for multipart transfers
}

// PutInput is a single-shot object write.
type PutInput struct {
	Target
	Body io.Reader
	Size int64
}

// UploadInput is a multipart object write. Resume, when non-nil, is the
// state returned in a previous UploadError for the same target; the
// transport continues from it instead of starting over.
type UploadInput struct {
	Target
	Body   io.ReaderAt
	Size   int64
	Resume any
}

// Transport writes objects to a store.
type Transport interface {
	// Put writes the whole body in one request.
	Put(ctx context.Context, in *PutInput) error

	// Upload writes the body as a multipart upload. A failure that leaves
	// the upload resumable is reported as *UploadError carrying the state.
	Upload(ctx context.Context, in *UploadInput) error

	// Abort releases a dangling multipart upload described by a resume state.
	Abort(ctx context.Context, state any) error
}

// UploadError is returned by Transport.Upload when some parts failed.
// State is opaque to callers and only meaningful to the transport that
// produced it.
type UploadError struct {
	Key   string
	State any
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// StateOf extracts the resume state from err, or nil when err does not
// carry one.
func StateOf(err error) any {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue.State
	}
	return nil
}
