// Package transfertest provides an in-memory resumable transport for tests.
package transfertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/transfer"
)

// ErrInjected is the failure produced by Fake when Fail asks for one.
var ErrInjected = errors.New("injected transfer failure")

// State is the resume state produced by Fake. Offset counts acknowledged bytes.
type State struct {
	Key    string
	Offset int64
}

// Fake is a transport that keeps objects in memory. Multipart uploads move in
// PartSize steps and resume from the acknowledged offset.
type Fake struct {
	PartSize int64

	// Fail is consulted on every Put or Upload call (call is 1-based per key).
	// When fail is true the call acknowledges at most parts further parts and
	// then returns an *transfer.UploadError.
	Fail func(key string, call int) (parts int, fail bool)

	// Delay, when set, sleeps before each call returns.
	Delay func(key string) time.Duration

	mu          sync.Mutex
	calls       map[string]int
	sent        map[string]int64
	pending     map[string][]byte
	objects     map[string][]byte
	puts        []string
	uploads     []string
	concurrency map[string][]int
	sse         map[string][]string
	aborted     []State
	inflight    int
	maxInflight int
}

// New returns a Fake with the given part size.
func New(partSize int64) *Fake {
	return &Fake{
		PartSize:    partSize,
		calls:       make(map[string]int),
		sent:        make(map[string]int64),
		pending:     make(map[string][]byte),
		objects:     make(map[string][]byte),
		concurrency: make(map[string][]int),
		sse:         make(map[string][]string),
	}
}

var _ transfer.Transport = (*Fake)(nil)

func (f *Fake) begin(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	return f.calls[key]
}

func (f *Fake) end(ctx context.Context, key string) {
	if f.Delay != nil {
		select {
		case <-ctx.Done():
		case <-time.After(f.Delay(key)):
		}
	}
	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
}

func (f *Fake) decide(key string, call int) (int, bool) {
	if f.Fail == nil {
		return 0, false
	}
	return f.Fail(key, call)
}

// Put stores the body under the target key.
func (f *Fake) Put(ctx context.Context, in *transfer.PutInput) error {
	call := f.begin(in.Key)
	defer f.end(ctx, in.Key)

	f.mu.Lock()
	f.puts = append(f.puts, in.Key)
	f.sse[in.Key] = append(f.sse[in.Key], in.ServerSideEncryption)
	f.mu.Unlock()

	if _, fail := f.decide(in.Key, call); fail {
		return fmt.Errorf("put %s: %w", in.Key, ErrInjected)
	}

	data, err := io.ReadAll(in.Body)
	if err != nil {
		return fmt.Errorf("put %s: %w", in.Key, err)
	}

	f.mu.Lock()
	f.objects[in.Key] = data
	f.mu.Unlock()
	return nil
}

// Upload sends the outstanding parts of the body.
func (f *Fake) Upload(ctx context.Context, in *transfer.UploadInput) error {
	call := f.begin(in.Key)
	defer f.end(ctx, in.Key)

	f.mu.Lock()
	f.uploads = append(f.uploads, in.Key)
	f.concurrency[in.Key] = append(f.concurrency[in.Key], in.Concurrency)
	f.sse[in.Key] = append(f.sse[in.Key], in.ServerSideEncryption)
	if in.Resume == nil {
		delete(f.pending, in.Key)
	}
	f.mu.Unlock()

	var offset int64
	if in.Resume != nil {
		st, ok := in.Resume.(*State)
		if !ok || st.Key != in.Key {
			return fmt.Errorf("upload %s: foreign resume state %T", in.Key, in.Resume)
		}
		offset = st.Offset
	}

	allowed, fail := f.decide(in.Key, call)
	partSize := f.PartSize
	if partSize <= 0 {
		partSize = in.Size
	}

	for done := 0; offset < in.Size; done++ {
		if fail && done >= allowed {
			break
		}
		n := partSize
		if offset+n > in.Size {
			n = in.Size - offset
		}
		buf := make([]byte, n)
		if _, err := in.Body.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
			return &transfer.UploadError{Key: in.Key, State: &State{Key: in.Key, Offset: offset}, Err: err}
		}
		f.mu.Lock()
		f.pending[in.Key] = append(f.pending[in.Key], buf...)
		f.sent[in.Key] += n
		f.mu.Unlock()
		offset += n
	}

	if fail {
		return &transfer.UploadError{
			Key:   in.Key,
			State: &State{Key: in.Key, Offset: offset},
			Err:   ErrInjected,
		}
	}

	f.mu.Lock()
	f.objects[in.Key] = f.pending[in.Key]
	delete(f.pending, in.Key)
	f.mu.Unlock()
	return nil
}

// Abort records the aborted state.
func (f *Fake) Abort(ctx context.Context, state any) error {
	st, ok := state.(*State)
	if !ok {
		return fmt.Errorf("abort: foreign resume state %T", state)
	}
	f.mu.Lock()
	f.aborted = append(f.aborted, *st)
	delete(f.pending, st.Key)
	f.mu.Unlock()
	return nil
}

// Object returns the completed object stored under key.
func (f *Fake) Object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	return b, ok
}

// Objects returns the number of completed objects.
func (f *Fake) Objects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// Sent returns the total bytes sent for key across all multipart attempts.
func (f *Fake) Sent(key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[key]
}

// Calls returns how many times key was put or uploaded.
func (f *Fake) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

// Puts returns the keys written with Put, in call order.
func (f *Fake) Puts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.puts...)
}

// Uploads returns the keys written with Upload, in call order.
func (f *Fake) Uploads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads...)
}

// Concurrency returns the part concurrency requested by each Upload of key.
func (f *Fake) Concurrency(key string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.concurrency[key]...)
}

// Encryption returns the server-side encryption requested by each Put or
// Upload of key.
func (f *Fake) Encryption(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sse[key]...)
}

// Aborted returns the states passed to Abort.
func (f *Fake) Aborted() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]State(nil), f.aborted...)
}

// MaxInflight returns the highest number of concurrent calls observed.
func (f *Fake) MaxInflight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight
}

// FailTimes returns a Fail func that rejects the first n calls of each
// listed key after acknowledging parts parts.
func FailTimes(n, parts int, keys ...string) func(string, int) (int, bool) {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return func(key string, call int) (int, bool) {
		if set[key] && call <= n {
			return parts, true
		}
		return 0, false
	}
}
