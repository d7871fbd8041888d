package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactPII(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"email", "mail me at hana.t@example.co.jp please", "mail me at [email] please"},
		{"phone", "call 090-1234-5678 tonight", "call [phone] tonight"},
		{"card", "paid with 4111 1111 1111 1111 today", "paid with [card] today"},
		{"ip", "server at 192.168.10.42 rebooted", "server at [ip] rebooted"},
		{"clean", "walked the dog at 7pm", "walked the dog at 7pm"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := redactPII(tc.in)
			assert.Equal(t, tc.want, got)
			// masking is idempotent
			assert.Equal(t, got, redactPII(got))
		})
	}
}

func TestAutoRedactOnWritePath(t *testing.T) {
	f := newFixture(t)
	f.cfg.Privacy.AutoRedactPII = true

	record, err := f.engine.Create(context.Background(), CreateInput{
		Content: "met Ken, his number is 080-9876-5432",
	})
	require.NoError(t, err)
	assert.Equal(t, "met Ken, his number is [phone]", record.Content)

	updated, err := f.engine.Update(context.Background(), record.Key, UpdateInput{
		Content: strPtr("Ken's address book: ken@example.com"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Ken's address book: [email]", updated.Content)

	// Off by default: raw content is stored as given.
	f.cfg.Privacy.AutoRedactPII = false
	record, err = f.engine.Create(context.Background(), CreateInput{
		Content: "untouched 080-9876-5432",
	})
	require.NoError(t, err)
	assert.Equal(t, "untouched 080-9876-5432", record.Content)
}
