// Package sipas is the SIP-side interface toward the application server:
// a message abstraction over sipgo requests and responses, the per-call
// ordered scenario registry, application-server chain selection, and the
// concrete sipgo transport.
package sipas

import (
	"fmt"
	"net/textproto"
)

// Class groups SIP status codes the way the conversion core reasons about
// them.
type Class int

const (
	ClassProvisional Class = iota
	ClassSuccess
	ClassRedirect
	ClassClientError
	ClassServerError
)

// ClassOf returns the response class for a status code. Codes of 600+ are
// grouped with server errors.
func ClassOf(status int) Class {
	switch {
	case status < 200:
		return ClassProvisional
	case status < 300:
		return ClassSuccess
	case status < 400:
		return ClassRedirect
	case status < 500:
		return ClassClientError
	default:
		return ClassServerError
	}
}

// RespondFunc answers an incoming request. The transport binds it to the
// underlying server transaction; tests bind a recorder.
type RespondFunc func(status int, reason string, headers map[string]string, contentType string, body []byte) error

// Message is one SIP message exchanged with the application server,
// abstracted away from the wire representation. A request has Method set
// and Status zero; a response has Status set and Method naming the request
// it answers.
type Message struct {
	Method      string
	Status      int
	Reason      string
	CallID      string
	ContentType string
	Body        []byte

	headers map[string]string
	respond RespondFunc

	answered bool
}

// NewRequest creates an outgoing request message.
func NewRequest(method, callID string) *Message {
	return &Message{Method: method, CallID: callID}
}

// NewResponse creates a response message, used by tests and by the
// transport when surfacing received responses.
func NewResponse(method string, status int, reason, callID string) *Message {
	return &Message{Method: method, Status: status, Reason: reason, CallID: callID}
}

// IsRequest reports whether the message is a request.
func (m *Message) IsRequest() bool {
	return m.Status == 0
}

// Class returns the response class; requests report ClassProvisional.
func (m *Message) Class() Class {
	return ClassOf(m.Status)
}

// Header returns a header value by name, empty when absent. Lookup is
// case-insensitive via canonical MIME form.
func (m *Message) Header(name string) string {
	if m.headers == nil {
		return ""
	}
	return m.headers[textproto.CanonicalMIMEHeaderKey(name)]
}

// SetHeader sets a header value.
func (m *Message) SetHeader(name, value string) {
	if m.headers == nil {
		m.headers = make(map[string]string)
	}
	m.headers[textproto.CanonicalMIMEHeaderKey(name)] = value
}

// Headers returns a copy of all set headers.
func (m *Message) Headers() map[string]string {
	out := make(map[string]string, len(m.headers))
	for k, v := range m.headers {
		out[k] = v
	}
	return out
}

// SetBody attaches a body with its content type.
func (m *Message) SetBody(contentType string, body []byte) {
	m.ContentType = contentType
	m.Body = body
}

// BindRespond attaches the answer path for an incoming request.
func (m *Message) BindRespond(f RespondFunc) {
	m.respond = f
}

// Answered reports whether a final response has been sent for this request.
func (m *Message) Answered() bool {
	return m.answered
}

// Respond answers an incoming request. Final responses are recorded so the
// disconnect handler can answer transport-level exactly once.
func (m *Message) Respond(status int, reason string, headers map[string]string, contentType string, body []byte) error {
	if m.respond == nil {
		return fmt.Errorf("message %s/%s has no response path", m.Method, m.CallID)
	}
	if err := m.respond(status, reason, headers, contentType, body); err != nil {
		return err
	}
	if status >= 200 {
		m.answered = true
	}
	return nil
}

// RespondSimple answers with a status and reason only.
func (m *Message) RespondSimple(status int, reason string) error {
	return m.Respond(status, reason, nil, "", nil)
}
