package graph

import (
	"context"
	"strconv"
	"sync"
)

// fakeClient is an in-memory MailClient that records every call.
type fakeClient struct {
	mu sync.Mutex

	calls       []string
	created     []*Message
	mailboxes   []string
	attachments []*FileAttachment
	sessions    []AttachmentItem
	ranges      []uploadedRange

	createErr  error
	attachErr  error
	sessionErr error
	rangeErr   error
	sendErr    error

	// rangeFn overrides the default progress answer for UploadRange.
	rangeFn func(offset int64, chunk []byte, total int64) (*UploadProgress, error)
}

type uploadedRange struct {
	offset int64
	size   int
	total  int64
}

var _ MailClient = (*fakeClient)(nil)

func (f *fakeClient) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeClient) CreateMessage(_ context.Context, mailbox string, msg *Message) (string, error) {
	f.record("create")
	if f.createErr != nil {
		return "", f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, msg)
	f.mailboxes = append(f.mailboxes, mailbox)
	return "draft-1", nil
}

func (f *fakeClient) AddAttachment(_ context.Context, _, _ string, att *FileAttachment) error {
	f.record("attach")
	if f.attachErr != nil {
		return f.attachErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments = append(f.attachments, att)
	return nil
}

func (f *fakeClient) CreateUploadSession(_ context.Context, _, _ string, item AttachmentItem) (*UploadSession, error) {
	f.record("session")
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, item)
	return &UploadSession{UploadURL: "https://upload.example.com/session"}, nil
}

func (f *fakeClient) UploadRange(_ context.Context, _ *UploadSession, offset int64, chunk []byte, total int64) (*UploadProgress, error) {
	f.record("range")
	if f.rangeErr != nil {
		return nil, f.rangeErr
	}
	f.mu.Lock()
	f.ranges = append(f.ranges, uploadedRange{offset: offset, size: len(chunk), total: total})
	f.mu.Unlock()

	if f.rangeFn != nil {
		return f.rangeFn(offset, chunk, total)
	}
	end := offset + int64(len(chunk))
	if end >= total {
		return &UploadProgress{Complete: true}, nil
	}
	return &UploadProgress{NextExpectedRanges: []string{formatRangeStart(end)}}, nil
}

func (f *fakeClient) SendMessage(_ context.Context, _, _ string) error {
	f.record("send")
	return f.sendErr
}

func (f *fakeClient) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func formatRangeStart(n int64) string {
	return strconv.FormatInt(n, 10) + "-"
}
