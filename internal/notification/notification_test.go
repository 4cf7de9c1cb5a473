package notification

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/occam/orchestration-kernel/internal/occamerr"
	"github.com/occam/orchestration-kernel/internal/vault"
)

type fakeAdapter struct {
	channel Channel
	fail    bool
}

func (f *fakeAdapter) Channel() Channel { return f.channel }

func (f *fakeAdapter) Send(_ context.Context, _ string, msg Message) (DeliveryResult, error) {
	if f.fail {
		return DeliveryResult{Status: StatusFailed, FailureReason: "simulated failure"}, assert.AnError
	}
	now := time.Now()
	return DeliveryResult{DeliveryID: uuid.NewString(), Status: StatusSent, Attempts: 1, SentAt: &now}, nil
}

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := make([]byte, 32)
	v, err := vault.New(key, filepath.Join(t.TempDir(), "vault.db"), nil)
	require.NoError(t, err)
	_, err = v.Store("notification-credentials", vault.KindAPIKey, "test-api-key", nil, nil)
	require.NoError(t, err)
	return v
}

func TestSend_RoutesToRegisteredAdapter(t *testing.T) {
	v := newTestVault(t)
	d := NewDispatcher(v, "notification-credentials", []Channel{ChannelEmail}, nil)
	d.Register(&fakeAdapter{channel: ChannelEmail})

	result, err := d.Send(context.Background(), Message{Channel: ChannelEmail, Recipient: "ops@example.com", Body: "test"})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, result.Status)
}

func TestSend_DisabledChannelFails(t *testing.T) {
	v := newTestVault(t)
	d := NewDispatcher(v, "notification-credentials", []Channel{ChannelEmail}, nil)
	d.Register(&fakeAdapter{channel: ChannelSMS})

	_, err := d.Send(context.Background(), Message{Channel: ChannelSMS, Recipient: "+10000000000", Body: "test"})
	require.Error(t, err)
	assert.Equal(t, occamerr.Invalid, occamerr.KindOf(err))
	assert.True(t, errors.Is(err, ErrChannelDisabled))
}

func TestSend_NoAdapterRegisteredFails(t *testing.T) {
	v := newTestVault(t)
	d := NewDispatcher(v, "notification-credentials", []Channel{ChannelEmail}, nil)

	_, err := d.Send(context.Background(), Message{Channel: ChannelEmail, Recipient: "ops@example.com", Body: "test"})
	require.Error(t, err)
}
