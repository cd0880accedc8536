package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type recordingSink struct {
	messages []string
	err      error
}

func (r *recordingSink) Notify(_ context.Context, userID, message string) error {
	r.messages = append(r.messages, userID+":"+message)
	return r.err
}

func TestFanoutAttemptsEverySink(t *testing.T) {
	first := &recordingSink{err: errors.New("db down")}
	second := &recordingSink{}
	third := &recordingSink{err: errors.New("topic missing")}

	err := Fanout{first, nil, second, third}.Notify(context.Background(), "u-1", "hello")

	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, []string{"u-1:hello"}, first.messages)
	assert.Equal(t, []string{"u-1:hello"}, second.messages)
	assert.Equal(t, []string{"u-1:hello"}, third.messages)
}

func TestFanoutAllSucceed(t *testing.T) {
	assert.NoError(t, Fanout{&recordingSink{}, Discard{}}.Notify(context.Background(), "u", "m"))
}

type fakePublisher struct {
	messages []*pubsub.Message
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, msg *pubsub.Message) publishResult {
	f.messages = append(f.messages, msg)
	return fakeResult{err: f.err}
}

type fakeResult struct {
	err error
}

func (r fakeResult) Get(context.Context) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return "msg-1", nil
}

func TestPubSubSinkPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := &PubSubSink{publisher: pub}

	require.NoError(t, sink.Notify(context.Background(), "u-7", "Your order has shipped"))
	require.Len(t, pub.messages, 1)

	msg := pub.messages[0]
	assert.Equal(t, "u-7", msg.Attributes["user_id"])

	var body payload
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.Equal(t, "u-7", body.UserID)
	assert.Equal(t, "Your order has shipped", body.Message)
	assert.False(t, body.SentAt.IsZero())
}

func TestPubSubSinkReportsPublishFailure(t *testing.T) {
	sink := &PubSubSink{publisher: &fakePublisher{err: errors.New("unavailable")}}
	assert.Error(t, sink.Notify(context.Background(), "u", "m"))
}

func TestNewPubSubSinkRequiresTopic(t *testing.T) {
	_, err := NewPubSubSink(context.Background(), "project", "")
	assert.Error(t, err)
}
