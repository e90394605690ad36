package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMaxSize = 1 << 20

func roundTrip(t *testing.T, msg Message) Message {
	var buf bytes.Buffer
	require.Nil(t, WriteMessage(&buf, msg))
	got, err := ReadMessage(&buf, testMaxSize)
	require.Nil(t, err)
	assert.Equal(t, 0, buf.Len())
	return got
}

func TestRequestFrames(t *testing.T) {
	msgs := []Message{
		&ReadRequest{Key: "k1"},
		&CommitRequest{ReplyAddr: "127.0.0.1:4000", LocalID: 3, Payload: []byte{1, 2, 3}},
		&OrderAssignment{ReplyAddr: "127.0.0.1:4000", LocalID: 3, Order: 42},
		&RegisterRequest{Record: Record{Role: RoleReplica, Addr: "127.0.0.1:5001", OrderAddr: "127.0.0.1:5301"}},
		&UnregisterRequest{Record: Record{Role: RoleSequencer, Addr: "127.0.0.1:5200"}},
		&FetchRequest{},
	}
	for _, msg := range msgs {
		assert.Equal(t, msg, roundTrip(t, msg), msg.Op().String())
	}
}

func TestFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	require.Nil(t, WriteMessage(&buf, &OrderAssignment{ReplyAddr: "a:1", LocalID: 2, Order: 7}))
	expected := []byte{byte(OpAssign), 0, 3, 'a', ':', '1'}
	expected = append(expected, 0, 0, 0, 0, 0, 0, 0, 2)
	expected = append(expected, 0, 0, 0, 0, 0, 0, 0, 7)
	assert.Equal(t, expected, buf.Bytes())
}

func TestUnknownOp(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader([]byte{0x7f}), testMaxSize)
	assert.Equal(t, ErrUnknownOp, errors.Cause(err))
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.Nil(t, WriteMessage(&buf, &CommitRequest{ReplyAddr: "h:1", LocalID: 1, Payload: []byte("abc")}))
	data := buf.Bytes()
	_, err := ReadMessage(bytes.NewReader(data[:len(data)-1]), testMaxSize)
	assert.Equal(t, io.ErrUnexpectedEOF, errors.Cause(err))

	_, err = ReadMessage(bytes.NewReader(nil), testMaxSize)
	assert.Equal(t, io.EOF, errors.Cause(err))
}

func TestMessageTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.Nil(t, WriteMessage(&buf, &CommitRequest{ReplyAddr: "h:1", Payload: make([]byte, 64)}))
	_, err := ReadMessage(&buf, 32)
	assert.Equal(t, ErrMessageTooLarge, errors.Cause(err))
}

func TestKeyTooLong(t *testing.T) {
	var buf bytes.Buffer
	require.Nil(t, WriteMessage(&buf, &ReadRequest{Key: string(make([]byte, MaxKeyLen+1))}))
	_, err := ReadMessage(&buf, testMaxSize)
	assert.Equal(t, ErrKeyTooLong, errors.Cause(err))
}

func TestReadReply(t *testing.T) {
	var buf bytes.Buffer
	require.Nil(t, WriteReadReply(&buf, &ReadReply{Found: true, Version: 5, Value: []byte("v")}))
	reply, err := ReadReadReply(&buf, testMaxSize)
	require.Nil(t, err)
	assert.Equal(t, &ReadReply{Found: true, Version: 5, Value: []byte("v")}, reply)

	buf.Reset()
	require.Nil(t, WriteReadReply(&buf, &ReadReply{}))
	reply, err = ReadReadReply(&buf, testMaxSize)
	require.Nil(t, err)
	assert.False(t, reply.Found)

	// A dropped connection is an error, never a not-found reply.
	_, err = ReadReadReply(bytes.NewReader(nil), testMaxSize)
	assert.NotNil(t, err)
}

func TestRecords(t *testing.T) {
	records := []Record{
		{Role: RoleReplica, Addr: "127.0.0.1:5000", OrderAddr: "127.0.0.1:5300"},
		{Role: RoleSequencer, Addr: "127.0.0.1:5200"},
	}
	var buf bytes.Buffer
	require.Nil(t, WriteRecords(&buf, records))
	got, err := ReadRecords(&buf, testMaxSize)
	require.Nil(t, err)
	assert.Equal(t, records, got)

	buf.Reset()
	require.Nil(t, WriteRecords(&buf, nil))
	got, err = ReadRecords(&buf, testMaxSize)
	require.Nil(t, err)
	assert.Len(t, got, 0)
}

func TestCommitReply(t *testing.T) {
	var buf bytes.Buffer
	require.Nil(t, WriteCommitReply(&buf, true))
	assert.Equal(t, []byte{'1'}, buf.Bytes())
	committed, err := ReadCommitReply(&buf)
	require.Nil(t, err)
	assert.True(t, committed)

	require.Nil(t, WriteCommitReply(&buf, false))
	committed, err = ReadCommitReply(&buf)
	require.Nil(t, err)
	assert.False(t, committed)

	_, err = ReadCommitReply(bytes.NewReader([]byte{'x'}))
	assert.NotNil(t, err)
}

func TestAck(t *testing.T) {
	var buf bytes.Buffer
	require.Nil(t, WriteAck(&buf))
	assert.Nil(t, ReadAck(&buf))
	assert.NotNil(t, ReadAck(bytes.NewReader(nil)))
	assert.NotNil(t, ReadAck(bytes.NewReader([]byte{7})))
}
