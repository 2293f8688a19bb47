package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when NATSSink has no prefix configured.
const DefaultSubjectPrefix = "bindery.kernel"

// publisher is the subset of *nats.Conn the sink uses.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink republishes bus events as JSON on <prefix>.<kind>.
type NATSSink struct {
	pub    publisher
	prefix string
	close  func()
}

// DialNATS connects to url (nats.DefaultURL when empty) and returns a sink.
func DialNATS(url, prefix string, opts ...nats.Option) (*NATSSink, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	opts = append([]nats.Option{nats.Name("bindery-kernel")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	s := newNATSSink(nc, prefix)
	s.close = nc.Close
	return s, nil
}

func newNATSSink(pub publisher, prefix string) *NATSSink {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: prefix}
}

func (s *NATSSink) Subject(kind Kind) string {
	return s.prefix + "." + string(kind)
}

func (s *NATSSink) Publish(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		// Shares are arbitrary values; drop the ones that cannot be encoded.
		ev.Share = nil
		if payload, err = json.Marshal(ev); err != nil {
			return fmt.Errorf("encode %s event: %w", ev.Kind, err)
		}
	}
	if err := s.pub.Publish(s.Subject(ev.Kind), payload); err != nil {
		return fmt.Errorf("publish %s: %w", s.Subject(ev.Kind), err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
