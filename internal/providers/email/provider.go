package email

import (
	"context"
	"sync"
)

type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
	SendTemplate(ctx context.Context, to []string, templateName string, data interface{}) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return nil
}

func (p *NoOpProvider) SendTemplate(ctx context.Context, to []string, templateName string, data interface{}) error {
	_, _, err := Render(templateName, data)
	return err
}

// Message is a rendered email captured by RecordingProvider.
type Message struct {
	To       []string
	Subject  string
	HTMLBody string
	Template string
}

// RecordingProvider keeps every message in memory. Used by tests and the
// local development profile.
type RecordingProvider struct {
	mu       sync.Mutex
	messages []Message
	// Err, when set, is returned from every send.
	Err error
}

func (p *RecordingProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return p.record(Message{To: to, Subject: subject, HTMLBody: htmlBody})
}

func (p *RecordingProvider) SendTemplate(ctx context.Context, to []string, templateName string, data interface{}) error {
	subject, body, err := Render(templateName, data)
	if err != nil {
		return err
	}
	return p.record(Message{To: to, Subject: subject, HTMLBody: body, Template: templateName})
}

func (p *RecordingProvider) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

func (p *RecordingProvider) record(m Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.messages = append(p.messages, m)
	return nil
}
