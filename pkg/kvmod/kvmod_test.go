package kvmod

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/chronicle/pkg/types"
)

func TestSetThenQuery(t *testing.T) {
	m := New()
	data := m.Init()

	setCmd, _ := json.Marshal(Command{Op: OpSet, Key: "a", Value: []byte("1")})
	outcome := m.HandleCommand(setCmd, data)
	require.True(t, outcome.Applied())

	reply, next := m.ApplyCommand(setCmd, types.Revision{Seqno: 1}, data)
	var r Reply
	require.NoError(t, json.Unmarshal(reply, &r))
	require.True(t, r.OK)

	q, _ := json.Marshal(Query{Key: "a"})
	out := m.HandleQuery(q, next)
	var qr QueryResult
	require.NoError(t, json.Unmarshal(out, &qr))
	require.True(t, qr.Found)
	require.Equal(t, []byte("1"), qr.Value)
}

func TestDeleteMissingKeyIsNoop(t *testing.T) {
	m := New()
	data := m.Init()

	delCmd, _ := json.Marshal(Command{Op: OpDelete, Key: "missing"})
	_, next := m.ApplyCommand(delCmd, types.Revision{Seqno: 1}, data)

	q, _ := json.Marshal(Query{Key: "missing"})
	out := m.HandleQuery(q, next)
	var qr QueryResult
	require.NoError(t, json.Unmarshal(out, &qr))
	require.False(t, qr.Found)
}

func TestEmptyKeyRejected(t *testing.T) {
	m := New()
	data := m.Init()

	badCmd, _ := json.Marshal(Command{Op: OpSet, Key: ""})
	outcome := m.HandleCommand(badCmd, data)
	require.False(t, outcome.Applied())

	var r Reply
	require.NoError(t, json.Unmarshal(outcome.Reply(), &r))
	require.NotEmpty(t, r.Error)
}
