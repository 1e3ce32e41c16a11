package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/slice"
)

// ErrNotRejected is returned by Resume for a handle that has not failed.
var ErrNotRejected = errors.New("transfer not rejected")

// Status is the lifecycle state of a Handle.
type Status int

const (
	Pending Status = iota
	InFlight
	Fulfilled
	Rejected
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in-flight"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Handle is one in-progress attempt to deliver a slice. A handle runs at
// most once; a rejected handle is continued through Resume.
type Handle struct {
	transport Transport
	slice     slice.Slice
	target    Target
	attempt   int

	mu     sync.Mutex
	status Status
	err    error
	resume any
}

// New returns a pending handle for s.
func New(transport Transport, s slice.Slice, target Target) *Handle {
	return &Handle{
		transport: transport,
		slice:     s,
		target:    target,
		attempt:   1,
		status:    Pending,
	}
}

// Run delivers the slice. Empty slices are written with a single put;
// everything else goes through a multipart upload. The slice file is open
// only for the duration of Run.
func (h *Handle) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.status != Pending {
		st := h.status
		h.mu.Unlock()
		return fmt.Errorf("transfer %s already %s", h.slice.Path, st)
	}
	h.status = InFlight
	resume := h.resume
	h.mu.Unlock()

	err := h.deliver(ctx, resume)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.status = Rejected
		h.err = err
		if st := StateOf(err); st != nil {
			h.resume = st
		}
		return err
	}
	h.status = Fulfilled
	h.err = nil
	h.resume = nil
	return nil
}

func (h *Handle) deliver(ctx context.Context, resume any) error {
	f, err := os.Open(h.slice.Path)
	if err != nil {
		return fmt.Errorf("open slice %s: %w", h.slice.Path, err)
	}
	defer f.Close()

	if h.slice.Empty() {
		return h.transport.Put(ctx, &PutInput{
			Target: h.target,
			Body:   f,
			Size:   0,
		})
	}

	return h.transport.Upload(ctx, &UploadInput{
		Target: h.target,
		Body:   f,
		Size:   h.slice.Size,
		Resume: resume,
	})
}

// Resume returns a new pending handle continuing a rejected one from its
// resume state.
func (h *Handle) Resume() (*Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != Rejected {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRejected, h.slice.Path, h.status)
	}
	return &Handle{
		transport: h.transport,
		slice:     h.slice,
		target:    h.target,
		attempt:   h.attempt + 1,
		status:    Pending,
		resume:    h.resume,
	}, nil
}

// SetConcurrency sets the part concurrency used by the next Run.
func (h *Handle) SetConcurrency(n int) {
	h.mu.Lock()
	h.target.Concurrency = n
	h.mu.Unlock()
}

func (h *Handle) Slice() slice.Slice { return h.slice }

func (h *Handle) Target() Target {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.target
}

func (h *Handle) Attempt() int { return h.attempt }

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the failure of the last run, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// ResumeState returns the opaque state a resumed handle continues from.
func (h *Handle) ResumeState() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resume
}
