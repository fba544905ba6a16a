package bus

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
)

const (
	SubjectPolicyCreated = "policy.created"
	SubjectPolicyDeleted = "policy.deleted"
	SubjectAssignments   = "bandwidth.assignments"
)

type PolicyEvent struct {
	PolicyID string `json:"policy_id"`
}

func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url, nats.Name("tierctl-controller"), nats.MaxReconnects(-1))
}

type Publisher struct {
	Conn *nats.Conn
}

func NewPublisher(conn *nats.Conn) *Publisher {
	return &Publisher{Conn: conn}
}

func (p *Publisher) Close() {
	if p.Conn != nil {
		p.Conn.Drain()
		p.Conn.Close()
	}
}

func (p *Publisher) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.Conn.Publish(subject, data)
}

// Subscriber hands raw message payloads to callers; metric actors use it as
// their event source.
type Subscriber struct {
	Conn *nats.Conn
}

func NewSubscriber(conn *nats.Conn) *Subscriber {
	return &Subscriber{Conn: conn}
}

func (s *Subscriber) Subscribe(subject string, handler func([]byte)) (func() error, error) {
	sub, err := s.Conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}
