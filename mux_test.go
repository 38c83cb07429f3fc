package peeklock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMux_RoutesBySubject(t *testing.T) {
	ctx := context.Background()
	mux := NewMux()

	var got []string
	mux.HandleFunc("orders", func(ctx context.Context, m *Message) error {
		got = append(got, "orders:"+string(m.Body))
		return nil
	})
	mux.Handle("invoices", HandlerFunc(func(ctx context.Context, m *Message) error {
		got = append(got, "invoices:"+string(m.Body))
		return nil
	}))

	require.NoError(t, mux.ProcessMessage(ctx, &Message{Subject: "orders", Body: []byte("1")}))
	require.NoError(t, mux.ProcessMessage(ctx, &Message{Subject: "invoices", Body: []byte("2")}))
	require.Equal(t, []string{"orders:1", "invoices:2"}, got)
}

func TestMux_NotFound(t *testing.T) {
	mux := NewMux()

	err := mux.ProcessMessage(context.Background(), &Message{Subject: "unknown"})
	require.EqualError(t, err, `handler not found for subject "unknown"`)
}

func TestMux_PrefixRoutes(t *testing.T) {
	ctx := context.Background()
	mux := NewMux()

	route := func(name string) HandlerFunc {
		return func(ctx context.Context, m *Message) error {
			return errors.New(name)
		}
	}

	mux.Handle("orders.*", route("orders"))
	mux.Handle("orders.eu.*", route("orders.eu"))
	mux.Handle("orders.eu.cancelled", route("cancelled"))

	tests := []struct {
		subject string
		want    string
	}{
		{subject: "orders.us.created", want: "orders"},
		{subject: "orders.eu.created", want: "orders.eu"},
		{subject: "orders.eu.cancelled", want: "cancelled"},
		{subject: "invoices", want: `handler not found for subject "invoices"`},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			require.EqualError(t, mux.ProcessMessage(ctx, &Message{Subject: tt.subject}), tt.want)
		})
	}
}

func TestMux_HandleDefault(t *testing.T) {
	mux := NewMux()

	var fallback []string
	mux.HandleDefault(HandlerFunc(func(ctx context.Context, m *Message) error {
		fallback = append(fallback, m.Subject)
		return nil
	}))

	require.NoError(t, mux.ProcessMessage(context.Background(), &Message{Subject: "unknown"}))
	require.NoError(t, mux.ProcessMessage(context.Background(), &Message{}))
	require.Equal(t, []string{"unknown", ""}, fallback)
}
