package exports

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/nextconvert/compositor/internal/modules/media"
	"github.com/nextconvert/compositor/internal/modules/timeline"
	"github.com/nextconvert/compositor/internal/shared/storage"
)

type memStore struct {
	mu      sync.Mutex
	exports map[string]*Export
	getErr  error
}

func newMemStore(exports ...*Export) *memStore {
	s := &memStore{exports: make(map[string]*Export)}
	for _, e := range exports {
		s.exports[e.ID] = e
	}
	return s
}

func (s *memStore) Insert(_ context.Context, e *Export) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.exports[e.ID] = &cp
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*Export, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	e, ok := s.exports[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) status(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exports[id].Status
}

func (s *memStore) record(id string) Export {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.exports[id]
}

func (s *memStore) setStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exports[id].Status = status
}

func (s *memStore) MarkProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exports[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusQueued && e.Status != StatusProcessing {
		return ErrNotQueued
	}
	e.Status = StatusProcessing
	e.Progress = 0
	return nil
}

func (s *memStore) Requeue(_ context.Context, id string, exportErr *ExportError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.exports[id]
	if e.Status == StatusProcessing {
		e.Status = StatusQueued
		e.Error = exportErr
	}
	return nil
}

func (s *memStore) UpdateProgress(_ context.Context, id string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exports[id].Progress = percent
	return nil
}

func (s *memStore) MarkCompleted(_ context.Context, id, outputPath string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.exports[id]
	if e.Status != StatusProcessing {
		return ErrNotProcessing
	}
	e.Status = StatusCompleted
	e.Progress = 100
	e.OutputPath = outputPath
	e.OutputSize = size
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id string, exportErr *ExportError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.exports[id]
	if e.Status != StatusCancelled {
		e.Status = StatusFailed
		e.Error = exportErr
	}
	return nil
}

func (s *memStore) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exports[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusQueued && e.Status != StatusProcessing {
		return ErrNotCancellable
	}
	e.Status = StatusCancelled
	return nil
}

type enqueued struct {
	payload ExportPayload
	queue   string
}

type fakeQueue struct {
	err   error
	tasks []enqueued
}

func (q *fakeQueue) EnqueueExport(payload ExportPayload, queue string) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, enqueued{payload: payload, queue: queue})
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *fakePublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type fakeRenderer struct {
	video func(ctx context.Context, clips []*timeline.Clip, opts timeline.VideoOptions) ([]byte, error)
	audio func(ctx context.Context, clips []*timeline.Clip, opts timeline.AudioOptions) ([]byte, error)
}

func (r *fakeRenderer) ComposeVideo(ctx context.Context, clips []*timeline.Clip, opts timeline.VideoOptions) ([]byte, error) {
	return r.video(ctx, clips, opts)
}

func (r *fakeRenderer) MixAudio(ctx context.Context, clips []*timeline.Clip, opts timeline.AudioOptions) ([]byte, error) {
	return r.audio(ctx, clips, opts)
}

type fakeOutput struct {
	mu      sync.Mutex
	files   map[string][]byte
	err     error
	onStore func()
}

func newFakeOutput() *fakeOutput {
	return &fakeOutput{files: make(map[string][]byte)}
}

func (o *fakeOutput) Store(_ context.Context, zone storage.Zone, name string, r io.Reader) (*storage.FileInfo, error) {
	if o.err != nil {
		return nil, o.err
	}
	if o.onStore != nil {
		o.onStore()
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	path := string(zone) + "/" + name
	o.files[path] = data
	return &storage.FileInfo{Name: name, Path: path, Zone: zone, Size: int64(len(data))}, nil
}

func (o *fakeOutput) Retrieve(_ context.Context, path string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fixedProber struct {
	dims media.Dimensions
}

func (p fixedProber) ProbeDimensions(context.Context, string) (media.Dimensions, error) {
	return p.dims, nil
}

func float(v float64) *float64 { return &v }

func videoRequest() Request {
	return Request{
		Kind: KindVideo,
		Clips: []*timeline.Clip{
			{Src: "https://cdn.example.com/a.mp4", Start: 0, End: 4},
			{Src: "https://cdn.example.com/b.mov", Start: 2, End: 6, Brightness: float(1.2)},
		},
	}
}

func audioRequest() Request {
	return Request{
		Kind: KindAudio,
		Clips: []*timeline.Clip{
			{Src: "https://cdn.example.com/voice.wav", Start: 1, End: 3, Volume: float(0.5)},
		},
		Audio: &timeline.AudioOptions{Normalize: true},
	}
}
