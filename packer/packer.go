// Package packer encodes message envelopes stored by the brokers.
package packer

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Envelope is the stored form of a message body and its metadata.
type Envelope struct {
	Body       []byte         `msgpack:"body"`
	Subject    string         `msgpack:"subject,omitempty"`
	Properties map[string]any `msgpack:"properties,omitempty"`
}

func EncodeMessage(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func DecodeMessage(b []byte, v any) error {
	return msgpack.Unmarshal(b, v)
}

func EncodeEnvelope(e *Envelope) ([]byte, error) {
	return EncodeMessage(e)
}

func DecodeEnvelope(b []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := DecodeMessage(b, e); err != nil {
		return nil, err
	}
	return e, nil
}
